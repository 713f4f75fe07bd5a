package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"companion/internal/knowledge"
	"companion/internal/session"
)

// DefaultHotTail 压缩后保留的最近消息条数
// DefaultHotTail is how many recent turns survive a compression.
const DefaultHotTail = 12

// DefaultSummaryTokens 摘要长度上限 / DefaultSummaryTokens bounds summary length.
const DefaultSummaryTokens = 512

// summaryInstruction 固定的摘要指令 / the fixed summarization instruction.
const summaryInstruction = "Summarize the following conversation transcript. " +
	"Preserve stated facts, decisions, preferences, names, and unresolved questions. " +
	"Write a compact summary in plain prose; do not add commentary."

// ErrNothingToCompress 历史不超过热尾，无可压缩
// ErrNothingToCompress means the history fits inside the hot tail.
var ErrNothingToCompress = errors.New("history shorter than hot tail, nothing to compress")

// Summarizer 有界摘要能力；provider.Client 满足该接口
// Summarizer is the bounded-summary capability; provider.Client satisfies
// it, tests substitute fakes.
type Summarizer interface {
	Summarize(ctx context.Context, instruction, text string, maxTokens int) (string, error)
}

// Compressor 压缩管线：把最旧的一段历史换成一条持久知识。
// 不可逆；失败时会话保持原样，Critical 状态留待下次重试。
// Compressor turns the oldest block of history into one durable knowledge
// entry, then truncates the live ledger to the hot tail. The operation is
// irreversible; on any failure the session is left untouched so the
// Critical state persists and the caller can retry.
type Compressor struct {
	store            *knowledge.Store
	summarizer       Summarizer
	hotTail          int
	maxSummaryTokens int
}

// NewCompressor 创建压缩管线 / NewCompressor builds the pipeline.
func NewCompressor(store *knowledge.Store, summarizer Summarizer, hotTail, maxSummaryTokens int) (*Compressor, error) {
	if store == nil || summarizer == nil {
		return nil, fmt.Errorf("compressor requires a knowledge store and a summarizer")
	}
	if hotTail <= 0 {
		hotTail = DefaultHotTail
	}
	if maxSummaryTokens <= 0 {
		maxSummaryTokens = DefaultSummaryTokens
	}
	return &Compressor{
		store:            store,
		summarizer:       summarizer,
		hotTail:          hotTail,
		maxSummaryTokens: maxSummaryTokens,
	}, nil
}

// HotTail 返回热尾长度 / HotTail returns the retained tail size.
func (c *Compressor) HotTail() int { return c.hotTail }

// Compress 压缩会话：摘要最旧的连续一段（保留热尾），写入知识库，
// 成功后才截断账本并推进压缩水位。先写后删，任一步失败都不动会话。
// Compress summarizes the oldest contiguous block (everything but the hot
// tail), writes the summary as an auto-generated knowledge entry, and only
// then truncates the ledger and advances the compression watermark.
// Write-then-truncate: a failure at any step leaves the session unchanged.
func (c *Compressor) Compress(ctx context.Context, sess *session.Session) (knowledge.Entry, error) {
	turns := sess.Turns()
	if len(turns) <= c.hotTail {
		return knowledge.Entry{}, ErrNothingToCompress
	}
	head := turns[:len(turns)-c.hotTail]

	var transcript strings.Builder
	for _, t := range head {
		fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Content)
	}

	summary, err := c.summarizer.Summarize(ctx, summaryInstruction, transcript.String(), c.maxSummaryTokens)
	if err != nil {
		return knowledge.Entry{}, fmt.Errorf("summarize %d turns: %w", len(head), err)
	}

	entry := knowledge.Entry{
		Title:    fmt.Sprintf("session-%s-%s", sess.ID(), time.Now().UTC().Format("20060102-150405")),
		Category: knowledge.CategoryAuto,
		Body:     summary,
	}
	stored, err := c.store.Put(entry)
	if err != nil {
		return knowledge.Entry{}, fmt.Errorf("store summary: %w", err)
	}

	// 摘要落盘后才截断历史 / history is dropped only after the summary is durable
	sess.TruncateHead(len(head))
	sess.MarkCompressed(sess.AppendedCount())
	// 摘要立即进入激活知识，压缩后的提示仍能看到这段历史
	// The summary is activated immediately so the post-compression prompt
	// still sees this slice of history.
	sess.ActivateKnowledge(stored.ID)

	return stored, nil
}
