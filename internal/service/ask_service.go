package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/ai"
	"github.com/xxxsen/docqa/internal/model"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/retrieve"
)

var ErrAIUnavailable = ai.ErrUnavailable

const maxQuestionChars = 4000

type Retriever interface {
	Retrieve(ctx context.Context, projectID, query string, opts ...retrieve.Option) *model.RetrievalResult
}

type Answer struct {
	Answer  string                 `json:"answer"`
	Sources []model.RetrievedChunk `json:"sources"`
}

type RetrieveResult struct {
	*model.RetrievalResult
	Context string `json:"context"`
}

type AskService struct {
	retriever Retriever
	generator ai.IGenerator
	timeout   time.Duration
}

// NewAskService accepts a nil generator; Ask then reports ErrAIUnavailable.
func NewAskService(retriever Retriever, generator ai.IGenerator, timeout time.Duration) *AskService {
	return &AskService{retriever: retriever, generator: generator, timeout: timeout}
}

func (s *AskService) Retrieve(ctx context.Context, projectID, query string, opts ...retrieve.Option) (*RetrieveResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required: %w", appErr.ErrInvalid)
	}
	res := s.retriever.Retrieve(ctx, projectID, query, opts...)
	return &RetrieveResult{RetrievalResult: res, Context: retrieve.FormatContext(res)}, nil
}

// Ask answers question from the project's documents. An empty retrieval
// still goes to the generator, which is told there is no context.
func (s *AskService) Ask(ctx context.Context, projectID, question string, maxChunks int) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required: %w", appErr.ErrInvalid)
	}
	if len([]rune(question)) > maxQuestionChars {
		return nil, fmt.Errorf("question too long: %w", appErr.ErrInvalid)
	}
	if s.generator == nil {
		return nil, ErrAIUnavailable
	}
	var opts []retrieve.Option
	if maxChunks > 0 {
		opts = append(opts, retrieve.WithMaxChunks(maxChunks))
	}
	res := s.retriever.Retrieve(ctx, projectID, question, opts...)
	prompt := buildAskPrompt(retrieve.FormatContext(res), question)

	genCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	answer, err := s.generator.Generate(genCtx, prompt)
	if err != nil {
		logutil.GetLogger(ctx).Error("generate answer failed",
			zap.String("project_id", projectID), zap.Int("sources", len(res.Chunks)), zap.Error(err))
		return nil, err
	}
	return &Answer{Answer: strings.TrimSpace(answer), Sources: res.Chunks}, nil
}

func buildAskPrompt(projectContext, question string) string {
	var sb strings.Builder
	sb.WriteString("You answer questions about a project using only the project context below.\n")
	sb.WriteString("If the context does not contain the answer, say that the uploaded documents do not cover it.\n")
	sb.WriteString("Cite file names when you use an excerpt.\n\n")
	sb.WriteString(projectContext)
	sb.WriteString("\n\n## Question\n\n")
	sb.WriteString(question)
	sb.WriteString("\n")
	return sb.String()
}
