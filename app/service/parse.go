package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jobhound/jobhound/app/store"
)

// extractJSON pulls the json payload out of generator output. Takes the
// fenced ```json block when present, otherwise the widest bracketed span.
// Returns empty string if nothing json-like found.
func extractJSON(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	closing := byte(']')
	if s[start] == '{' {
		closing = '}'
	}
	end := strings.LastIndexByte(s, closing)
	if end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}

// parseTopics reads generator output as a list of topic pairs
func parseTopics(s string) (store.Topics, error) {
	payload := extractJSON(s)
	if payload == "" {
		return nil, fmt.Errorf("no json in topics response")
	}
	var topics store.Topics
	if err := json.Unmarshal([]byte(payload), &topics); err != nil {
		return nil, fmt.Errorf("can't parse topics: %w", err)
	}
	res := topics[:0]
	for _, t := range topics {
		if strings.TrimSpace(t.Topic) == "" {
			continue
		}
		res = append(res, t)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("topics response has no usable entries")
	}
	return res, nil
}

// parseQuestions reads generator output as question and answer pairs
func parseQuestions(s string) (store.Questions, error) {
	payload := extractJSON(s)
	if payload == "" {
		return nil, fmt.Errorf("no json in answers response")
	}
	var questions store.Questions
	if err := json.Unmarshal([]byte(payload), &questions); err != nil {
		return nil, fmt.Errorf("can't parse answers: %w", err)
	}
	res := questions[:0]
	for _, q := range questions {
		if strings.TrimSpace(q.Question) == "" {
			continue
		}
		res = append(res, q)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("answers response has no usable entries")
	}
	return res, nil
}

// parseStrings reads generator output as a plain list of strings
func parseStrings(s string) ([]string, error) {
	payload := extractJSON(s)
	if payload == "" {
		return nil, fmt.Errorf("no json in response")
	}
	var items []string
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("can't parse string list: %w", err)
	}
	res := items[:0]
	for _, it := range items {
		if v := strings.TrimSpace(it); v != "" {
			res = append(res, v)
		}
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("response has no usable entries")
	}
	return res, nil
}

// parseIndexes reads generator output as a list of zero-based indexes,
// used by the fit screen to name rejected candidates
func parseIndexes(s string, limit int) ([]int, error) {
	payload := extractJSON(s)
	if payload == "" {
		return nil, fmt.Errorf("no json in response")
	}
	var idx []int
	if err := json.Unmarshal([]byte(payload), &idx); err != nil {
		return nil, fmt.Errorf("can't parse index list: %w", err)
	}
	res := idx[:0]
	for _, i := range idx {
		if i >= 0 && i < limit {
			res = append(res, i)
		}
	}
	return res, nil
}
