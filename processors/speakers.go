package processors

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"meetingIntel/core"
	"meetingIntel/utils"
)

const snippetMaxRunes = 120

// NormalizeUtterances 去除空白文本，缺失的说话人标签补为默认标签
func NormalizeUtterances(in []core.Utterance) []core.Utterance {
	out := make([]core.Utterance, 0, len(in))
	for _, u := range in {
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" {
			continue
		}
		u.Speaker = strings.TrimSpace(u.Speaker)
		if u.Speaker == "" {
			u.Speaker = core.DefaultSpeakerLabel
		}
		out = append(out, u)
	}
	return out
}

// DeriveSpeakers 按首次出现顺序列出说话人，每个标签取第一条非空文本作为预览
func DeriveSpeakers(utterances []core.Utterance) []core.SpeakerPreview {
	index := make(map[string]int)
	previews := make([]core.SpeakerPreview, 0)
	for _, u := range utterances {
		text := strings.TrimSpace(u.Text)
		i, seen := index[u.Speaker]
		if !seen {
			index[u.Speaker] = len(previews)
			previews = append(previews, core.SpeakerPreview{Label: u.Speaker, Snippet: utils.Truncate(text, snippetMaxRunes)})
			continue
		}
		if previews[i].Snippet == "" && text != "" {
			previews[i].Snippet = utils.Truncate(text, snippetMaxRunes)
		}
	}
	return previews
}

// RenderTranscript 以显示名渲染整份转录，未命名的标签保留原样
func RenderTranscript(t *core.Transcript) string {
	var b strings.Builder
	for _, u := range t.Utterances {
		if u.Start != nil {
			fmt.Fprintf(&b, "[%s] ", utils.FormatTimestamp(*u.Start))
		}
		fmt.Fprintf(&b, "**%s:** %s\n", t.DisplayName(u.Speaker), u.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SubstituteSpeakers 在纯文本转录中把标签替换为显示名。标签只在词边界处匹配，长标签优先，
// 所以 "A" 不会改写 "And"，SPEAKER_1 也不会吃掉 SPEAKER_10
func SubstituteSpeakers(text string, mapping map[string]string) string {
	labels := make([]string, 0, len(mapping))
	for label, name := range mapping {
		if label != "" && strings.TrimSpace(name) != "" {
			labels = append(labels, label)
		}
	}
	if len(labels) == 0 {
		return text
	}
	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) > len(labels[j])
		}
		return labels[i] < labels[j]
	})

	var b strings.Builder
	b.Grow(len(text))
	prev := rune(-1)
	for i := 0; i < len(text); {
		if label, ok := labelAt(text[i:], prev, labels); ok {
			b.WriteString(strings.TrimSpace(mapping[label]))
			i += len(label)
			prev, _ = utf8.DecodeLastRuneInString(label)
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		b.WriteString(text[i : i+size])
		i += size
		prev = r
	}
	return b.String()
}

// labelAt 返回从 s 开头匹配到的标签；以字母数字开头或结尾的标签两侧必须是词边界
func labelAt(s string, prev rune, labels []string) (string, bool) {
	for _, label := range labels {
		if !strings.HasPrefix(s, label) {
			continue
		}
		first, _ := utf8.DecodeRuneInString(label)
		if isWordRune(first) && prev >= 0 && isWordRune(prev) {
			continue
		}
		last, _ := utf8.DecodeLastRuneInString(label)
		if next, size := utf8.DecodeRuneInString(s[len(label):]); size > 0 && isWordRune(last) && isWordRune(next) {
			continue
		}
		return label, true
	}
	return "", false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// missingLabels 返回 mapping 中没有（或名字为空）的标签，按首次出现顺序
func missingLabels(t *core.Transcript, mapping map[string]string) []string {
	var missing []string
	for _, label := range t.Labels() {
		if strings.TrimSpace(mapping[label]) == "" {
			missing = append(missing, label)
		}
	}
	return missing
}

// ========== LLM 说话人结构化 ==========

// numberedLines 结构化 prompt 的输入：每行 "<index>|<text>"
func numberedLines(utterances []core.Utterance) string {
	var b strings.Builder
	for i, u := range utterances {
		fmt.Fprintf(&b, "%d|%s\n", i, strings.ReplaceAll(u.Text, "\n", " "))
	}
	return strings.TrimRight(b.String(), "\n")
}

var relabelLine = regexp.MustCompile(`^\s*(\d+)\s*\|\s*(SPEAKER_\d+)\s*$`)

// parseRelabelling 解析模型输出，必须覆盖全部 n 行
func parseRelabelling(output string, n int) ([]string, error) {
	labels := make([]string, n)
	found := 0
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		m := relabelLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 0 || idx >= n || labels[idx] != "" {
			continue
		}
		labels[idx] = m[2]
		found++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if found != n {
		return nil, fmt.Errorf("model relabelled %d of %d lines", found, n)
	}
	return labels, nil
}

// ========== 检索文档 ==========

// BuildDocuments 每个 utterance 一条文档，文本带显示名
func BuildDocuments(t *core.Transcript) []core.Document {
	docs := make([]core.Document, 0, len(t.Utterances))
	for i, u := range t.Utterances {
		docs = append(docs, core.Document{Index: i, Text: t.DisplayName(u.Speaker) + ": " + u.Text})
	}
	return docs
}

// documentsVersion 文档内容的指纹，改名后指纹变化触发重建索引
func documentsVersion(docs []core.Document) string {
	h := sha256.New()
	for _, d := range docs {
		fmt.Fprintf(h, "%d\x1f%s\x1e", d.Index, d.Text)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
