package processors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"meetingIntel/core"
	"meetingIntel/utils"
)

// MediaExtractor 从视频中抽取单声道 PCM 音频
type MediaExtractor interface {
	Extract(ctx context.Context, videoPath, audioPath string) error
}

// FFmpegExtractor 通过 ffmpeg 抽取 16kHz 单声道 wav
type FFmpegExtractor struct {
	FFmpegPath string
	GPUType    string // 已解析的类型，"cpu" 或空表示不使用硬件加速
	Enhance    bool
}

func NewFFmpegExtractor(ffmpegPath, gpuType string, enhance bool) *FFmpegExtractor {
	return &FFmpegExtractor{FFmpegPath: ffmpegPath, GPUType: gpuType, Enhance: enhance}
}

func (e *FFmpegExtractor) Extract(ctx context.Context, videoPath, audioPath string) error {
	var filters []string
	if e.Enhance {
		filters = append(filters, utils.AudioEnhanceFilter)
	}

	err := utils.RunFFmpeg(ctx, e.FFmpegPath, utils.AudioExtractArgs(videoPath, audioPath, e.GPUType, filters...))
	if err != nil && e.GPUType != "" && e.GPUType != "cpu" && ctx.Err() == nil {
		// 硬件解码失败时用 CPU 再试一次
		log.Printf("GPU audio extraction failed (%v), retrying on CPU", err)
		err = utils.RunFFmpeg(ctx, e.FFmpegPath, utils.AudioExtractArgs(videoPath, audioPath, "cpu", filters...))
	}
	return err
}

// checkAudioOutput ffmpeg 对无音轨的视频也可能返回 0，抽取阶段结束后由编排器检查
func checkAudioOutput(audioPath string) error {
	info, err := os.Stat(audioPath)
	if err != nil {
		return fmt.Errorf("audio output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("audio output is empty, the video may have no audio track")
	}
	return nil
}

// ValidateUpload 在写任何文件之前检查上传是否满足约束
func ValidateUpload(file core.UploadedFile, c core.UploadConstraints) error {
	name := strings.TrimSpace(file.Filename)
	if name == "" || file.Reader == nil {
		return core.NewError(core.KindValidation, "no video file provided", nil)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if len(c.AllowedExtensions) > 0 && !containsFold(c.AllowedExtensions, ext) {
		return core.NewError(core.KindValidation,
			fmt.Sprintf("invalid file type. Allowed: %s", strings.Join(c.AllowedExtensions, ", ")), nil)
	}

	if len(c.AllowedMIME) > 0 && file.ContentType != "" {
		mediaType, _, err := mime.ParseMediaType(file.ContentType)
		if err != nil || !containsFold(c.AllowedMIME, mediaType) {
			return core.NewError(core.KindValidation, fmt.Sprintf("unsupported content type %q", file.ContentType), nil)
		}
	}

	if c.MaxBytes > 0 && file.Size > c.MaxBytes {
		return tooLarge(c.MaxBytes)
	}
	return nil
}

func tooLarge(max int64) error {
	return core.NewError(core.KindValidation,
		fmt.Sprintf("file too large. Maximum size is %s", utils.FormatBytes(max)), core.ErrFileTooLarge)
}

// saveUpload 把上传内容写入临时目录，实际写入量同样受大小限制
func saveUpload(r io.Reader, dst string, max int64) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	defer out.Close()

	src := r
	if max > 0 {
		src = io.LimitReader(r, max+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return tooLarge(max)
		}
		return fmt.Errorf("save upload: %w", err)
	}
	if max > 0 && n > max {
		return tooLarge(max)
	}
	if n == 0 {
		return core.NewError(core.KindValidation, "uploaded file is empty", nil)
	}
	return out.Sync()
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(item), "."), v) {
			return true
		}
	}
	return false
}
