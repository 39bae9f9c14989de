package token

import (
	"fmt"
	"unicode/utf8"

	"github.com/openai/openai-go/v3"
	"github.com/tiktoken-go/tokenizer"
)

// CountText counts tokens with the o200k encoding, falling back to a
// character estimate when the encoder is unavailable.
func CountText(text string) int {
	if text == "" {
		return 0
	}
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return EstimateFromText(text)
	}
	c, err := enc.Count(text)
	if err != nil {
		return EstimateFromText(text)
	}
	return c
}

// EstimateFromText is the visible-text estimate: characters / 4, rounded up.
func EstimateFromText(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// EstimateInputTokens estimates input tokens from an OpenAI chat request using tiktoken
func EstimateInputTokens(req *openai.ChatCompletionNewParams) (int, error) {
	if req == nil {
		return 0, fmt.Errorf("nil request")
	}
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return 0, fmt.Errorf("failed to get tokenizer: %w", err)
	}

	countOrEstimate := func(text string) int {
		c, err := enc.Count(text)
		if err != nil {
			return EstimateFromText(text)
		}
		return c
	}

	totalTokens := 0
	for _, msg := range req.Messages {
		if role := msg.GetRole(); role != nil {
			totalTokens += countOrEstimate(*role)
		}

		content := msg.GetContent()
		switch v := content.AsAny().(type) {
		case *string:
			if v != nil {
				totalTokens += countOrEstimate(*v)
			}
		case *[]openai.ChatCompletionContentPartTextParam:
			if v != nil {
				for _, part := range *v {
					totalTokens += countOrEstimate(part.Text)
				}
			}
		case *[]openai.ChatCompletionContentPartUnionParam:
			if v != nil {
				for _, part := range *v {
					if part.OfText != nil {
						totalTokens += countOrEstimate(part.OfText.Text)
					}
				}
			}
		}
	}

	// Request framing overhead
	totalTokens += 3

	return totalTokens, nil
}
