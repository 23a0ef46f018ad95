package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"booktutor/pkg/ai"
	"booktutor/pkg/domain"
)

// NoInfoAnswer is returned verbatim when nothing relevant was retrieved.
const NoInfoAnswer = "ไม่พบข้อมูลที่เกี่ยวข้องในหนังสือ"

const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 800

	followUpTemperature = 0.4
	followUpMaxTokens   = 200
	followUpRequest     = "โปรดสร้างคำถามต่อยอดจากคำถามข้างต้น"

	minConfidence = 0.01
)

const systemPromptTemplate = `คุณคือผู้ช่วย AI ด้านการศึกษา ที่มีหน้าที่ตอบคำถามนักเรียนเป็นภาษาไทยเท่านั้น

กฎ:
1. ตอบโดยใช้เฉพาะเนื้อหาจากหนังสือด้านล่างนี้
2. หากไม่มีข้อมูลที่เกี่ยวข้องในหนังสือ ให้ตอบว่า: "%s"
3. ใช้ภาษาไทยที่ชัดเจน เข้าใจง่าย และมีโครงสร้างดี
4. อ้างอิงหน้าหรือหัวข้อจากหนังสือหากมี
5. ห้ามแต่งเรื่องขึ้นเองนอกเหนือจากข้อมูลในหนังสือ

เนื้อหาจากหนังสือ:
%s
`

const followUpPromptTemplate = `คุณคือ AI ผู้ช่วยนักเรียน
หลังจากนักเรียนถามว่า "%s"
และคุณตอบว่า "%s"

กรุณาแนะนำคำถามต่อยอด 3-4 ข้อในรูปแบบ array JSON เช่น:
["...", "...", "..."]
`

// ChatModel is the part of ai.Provider used for generation.
type ChatModel interface {
	Generate(ctx context.Context, req ai.GenerateRequest) (string, error)
}

// Generation is a grounded answer and its confidence in [0, 1].
type Generation struct {
	Answer     string
	Confidence float64
}

// Generator writes Thai answers grounded in retrieved chunks.
type Generator struct {
	model       ChatModel
	temperature float64
	maxTokens   int
}

// NewGenerator uses DefaultTemperature when temperature is negative and
// DefaultMaxTokens when maxTokens is not positive.
func NewGenerator(model ChatModel, temperature float64, maxTokens int) *Generator {
	if temperature < 0 {
		temperature = DefaultTemperature
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Generator{model: model, temperature: temperature, maxTokens: maxTokens}
}

// Generate answers question from chunks. Without chunks it returns
// NoInfoAnswer and never calls the model.
func (g *Generator) Generate(ctx context.Context, question string, chunks []domain.ScoredChunk) (Generation, error) {
	if len(chunks) == 0 {
		return Generation{Answer: NoInfoAnswer}, nil
	}
	text, err := g.model.Generate(ctx, ai.GenerateRequest{
		System:      fmt.Sprintf(systemPromptTemplate, NoInfoAnswer, BuildContext(chunks)),
		Messages:    []ai.Message{{Role: "user", Content: question}},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return Generation{}, &GenerationError{Stage: "generate", Cause: err}
	}
	return Generation{Answer: text, Confidence: Confidence(chunks)}, nil
}

// SuggestFollowUps asks the model for 3-4 follow-up questions. Any failure
// yields an empty list.
func (g *Generator) SuggestFollowUps(ctx context.Context, question, answer string) ([]string, error) {
	text, err := g.model.Generate(ctx, ai.GenerateRequest{
		System:      fmt.Sprintf(followUpPromptTemplate, question, answer),
		Messages:    []ai.Message{{Role: "user", Content: followUpRequest}},
		Temperature: followUpTemperature,
		MaxTokens:   followUpMaxTokens,
	})
	if err != nil {
		return []string{}, err
	}
	return parseFollowUps(text)
}

// BuildContext labels each chunk [ส่วนที่ n] in retrieval order.
func BuildContext(chunks []domain.ScoredChunk) string {
	parts := make([]string, 0, len(chunks))
	for i, c := range chunks {
		var sb strings.Builder
		fmt.Fprintf(&sb, "[ส่วนที่ %d]", i+1)
		if c.PageNumber > 0 {
			fmt.Fprintf(&sb, " (หน้า %d)", c.PageNumber)
		}
		if section := strings.TrimSpace(c.Metadata.Section); section != "" {
			sb.WriteString(" " + section)
		}
		sb.WriteString(" ")
		sb.WriteString(c.Content)
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "\n\n")
}

// Confidence is the mean similarity rounded to two decimals. Any non-empty
// chunk set scores at least 0.01.
func Confidence(chunks []domain.ScoredChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var sum float64
	for _, c := range chunks {
		sum += c.Similarity
	}
	mean := math.Round(sum/float64(len(chunks))*100) / 100
	// 0 is reserved for "no context"
	return math.Max(minConfidence, math.Min(1, mean))
}

func parseFollowUps(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return []string{}, fmt.Errorf("follow-ups: no json array in response")
	}
	var raw []any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return []string{}, fmt.Errorf("follow-ups: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
