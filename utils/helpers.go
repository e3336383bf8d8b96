package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// NewID 生成唯一ID
func NewID() string {
	return uuid.NewString()
}

// RunCommand 执行系统命令，失败时把 stderr 末尾带进错误信息
func RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("command '%s' aborted: %w", name, ctxErr)
		}
		if tail := tailLines(stderr.String(), 8); tail != "" {
			return "", fmt.Errorf("command '%s' failed: %w\nstderr: %s", name, err, tail)
		}
		return "", fmt.Errorf("command '%s' failed: %w", name, err)
	}
	return stdout.String(), nil
}

// RunFFmpeg 执行FFmpeg命令，ffmpegPath 为空时从 PATH 查找
func RunFFmpeg(ctx context.Context, ffmpegPath string, args []string) error {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return fmt.Errorf("ffmpeg not found, make sure it is installed and in PATH: %w", err)
	}
	_, err = RunCommand(ctx, resolved, args...)
	return err
}

// AudioEnhanceFilter 降噪 + 人声频段 + 响度归一化
const AudioEnhanceFilter = "highpass=f=80,lowpass=f=8000,afftdn=nf=-25,loudnorm=I=-16:TP=-1.5:LRA=11"

// AudioExtractArgs 构建抽取 16kHz 单声道 PCM wav 的参数，filter 为空时不做音频增强
func AudioExtractArgs(inputPath, audioOut, gpuType string, filters ...string) []string {
	args := []string{"-y"}
	if gpuType != "" && gpuType != "cpu" {
		args = append(args, GetHardwareAccelArgs(gpuType)...)
	}
	args = append(args, "-i", inputPath, "-vn")
	if f := strings.Join(filters, ","); f != "" {
		args = append(args, "-af", f)
	}
	return append(args, "-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000", "-f", "wav", audioOut)
}

// GetHardwareAccelArgs 获取硬件加速参数
func GetHardwareAccelArgs(gpuType string) []string {
	switch strings.ToLower(gpuType) {
	case "nvidia", "cuda":
		return []string{"-hwaccel", "cuda"}
	case "amd", "opencl":
		return []string{"-hwaccel", "opencl"}
	case "intel", "qsv":
		return []string{"-hwaccel", "qsv"}
	case "vaapi":
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case "videotoolbox":
		if runtime.GOOS == "darwin" {
			return []string{"-hwaccel", "videotoolbox"}
		}
		fallthrough
	default:
		return []string{} // CPU模式
	}
}

// DetectGPUType 检测GPU类型
func DetectGPUType() string {
	if isNVIDIAAvailable() {
		return "nvidia"
	}
	if isIntelAvailable() {
		return "intel"
	}
	if runtime.GOOS == "darwin" {
		return "videotoolbox"
	}
	return "cpu"
}

// ResolveGPUType 把配置中的 auto 解析为实际类型
func ResolveGPUType(enabled bool, configured string) string {
	if !enabled {
		return "cpu"
	}
	if configured == "" || strings.EqualFold(configured, "auto") {
		return DetectGPUType()
	}
	return strings.ToLower(configured)
}

func isNVIDIAAvailable() bool {
	return exec.Command("nvidia-smi").Run() == nil
}

func isIntelAvailable() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat("/dev/dri/renderD128")
	return err == nil
}

// FormatBytes 格式化字节数为人类可读格式
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatTimestamp 秒数格式化为 mm:ss，超过一小时为 h:mm:ss
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Truncate 按 rune 截断，超出时追加省略号
func Truncate(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if max <= 0 || len(r) <= max {
		return string(r)
	}
	return strings.TrimSpace(string(r[:max])) + "..."
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
