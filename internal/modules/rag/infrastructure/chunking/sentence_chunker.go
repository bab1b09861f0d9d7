package chunking

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"RagLink/internal/modules/rag/domain/document"
	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/pkg/util"
)

// SentenceChunker 按句子边界将文本切分为带重叠的片段。
//
// 约定：
//   - 以句末标点（中英文句号/问号/叹号/分号）作为切分候选点，窗口累积到
//     ChunkSize（rune 数）后收口；下一个窗口从上一窗口尾部回退 ChunkOverlap
//     个字符开始，保留跨界上下文。
//   - 单句超过 ChunkSize 时退化为按字符硬切，保证有限步终止。
//   - 每个片段记录在清洗后文本中的绝对 char_start/char_end，供引用溯源；
//     片段文本与 [char_start, char_end) 区间逐字一致。
//   - 相同输入产生逐字节相同的切分与 chunk_id（确定性）。
type SentenceChunker struct {
	ChunkSize    int
	ChunkOverlap int
}

// NewSentenceChunker 创建切片器并设置窗口大小与重叠长度
func NewSentenceChunker(size, overlap int) *SentenceChunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	return &SentenceChunker{ChunkSize: size, ChunkOverlap: overlap}
}

var (
	controlCharsRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	quoteReplacer  = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// CleanText 清洗并规范化文本：去除控制字符、折叠空白、统一弯引号
func CleanText(text string) string {
	text = controlCharsRe.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = quoteReplacer.Replace(text)
	return strings.TrimSpace(text)
}

// supportedContentTypes 可解码为文本的内容类型
var supportedContentTypes = map[string]bool{
	"text/plain":       true,
	"text/markdown":    true,
	"text/csv":         true,
	"text/html":        true,
	"application/json": true,
}

// DecodeText 将原始对象字节解码为文本：优先 UTF-8，失败退到 latin-1。
// 二进制内容或不支持的内容类型返回 fault.ErrUnsupportedFormat。
func DecodeText(contentType string, data []byte) (string, error) {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct != "" && !supportedContentTypes[ct] && !strings.HasPrefix(ct, "text/") {
		return "", fmt.Errorf("content type %q: %w", contentType, fault.ErrUnsupportedFormat)
	}
	if bytes.IndexByte(data, 0x00) >= 0 {
		return "", fmt.Errorf("binary content: %w", fault.ErrUnsupportedFormat)
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	// 非 UTF-8 按 latin-1 逐字节转码兜底
	runes := make([]rune, 0, len(data))
	for _, b := range data {
		runes = append(runes, rune(b))
	}
	return string(runes), nil
}

// 英文句末终结符，需后随空白才视为句界
func isLatinTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';':
		return true
	}
	return false
}

// 中文句末终结符与省略号，自身即句界
func isCJKTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '…':
		return true
	}
	return false
}

// sentenceRanges 扫描 rune 序列，返回各句子的 [start, end) 区间。
// 英文句子在终结符后随空白处结束，中文终结符自身即为句界；句间空白被跳过。
func sentenceRanges(runes []rune) [][2]int {
	var ranges [][2]int
	n := len(runes)
	start := 0
	for start < n && unicode.IsSpace(runes[start]) {
		start++
	}
	i := start
	for i < n {
		if isCJKTerminator(runes[i]) ||
			(isLatinTerminator(runes[i]) && (i+1 == n || unicode.IsSpace(runes[i+1]))) {
			ranges = append(ranges, [2]int{start, i + 1})
			i++
			for i < n && unicode.IsSpace(runes[i]) {
				i++
			}
			start = i
			continue
		}
		i++
	}
	if start < n {
		ranges = append(ranges, [2]int{start, n})
	}
	return ranges
}

// Chunk 对清洗后的文本执行切分，返回带确定性 chunk_id 的有序片段。
// sequence_index 从 0 起连续递增。
func (c *SentenceChunker) Chunk(documentId, text string) []document.Chunk {
	cleaned := CleanText(text)
	if cleaned == "" {
		return []document.Chunk{}
	}

	runes := []rune(cleaned)
	var spans [][2]int

	chunkStart := -1
	prevEnd := 0
	for _, sr := range sentenceRanges(runes) {
		sStart, sEnd := sr[0], sr[1]

		// 单句超限：先收口当前窗口，再对长句按字符硬切
		if sEnd-sStart > c.ChunkSize {
			if chunkStart >= 0 && prevEnd > chunkStart {
				spans = append(spans, [2]int{chunkStart, prevEnd})
			}
			step := c.ChunkSize - c.ChunkOverlap
			if step <= 0 {
				step = 1
			}
			for p := sStart; p < sEnd; p += step {
				end := p + c.ChunkSize
				if end > sEnd {
					end = sEnd
				}
				spans = append(spans, [2]int{p, end})
				if end == sEnd {
					break
				}
			}
			chunkStart = -1
			prevEnd = sEnd
			continue
		}

		if chunkStart < 0 {
			chunkStart = sStart
			prevEnd = sEnd
			continue
		}

		// 窗口放不下下一句：收口，回退 overlap 开启新窗口
		if sEnd-chunkStart > c.ChunkSize {
			spans = append(spans, [2]int{chunkStart, prevEnd})
			chunkStart = prevEnd - c.ChunkOverlap
			if chunkStart < spans[len(spans)-1][0]+1 {
				chunkStart = spans[len(spans)-1][0] + 1
			}
		}
		prevEnd = sEnd
	}
	if chunkStart >= 0 && prevEnd > chunkStart {
		spans = append(spans, [2]int{chunkStart, prevEnd})
	}

	chunks := make([]document.Chunk, 0, len(spans))
	for i, sp := range spans {
		piece := string(runes[sp[0]:sp[1]])
		hash := util.Sha256Hex(piece)
		chunks = append(chunks, document.Chunk{
			ChunkId:       document.ChunkIdOf(documentId, hash, i),
			DocumentId:    documentId,
			SequenceIndex: i,
			Text:          piece,
			CharStart:     sp[0],
			CharEnd:       sp[1],
			ContentHash:   hash,
		})
	}
	return chunks
}
