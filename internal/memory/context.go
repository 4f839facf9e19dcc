package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Persona is the read-only companion metadata supplied by the record store.
type Persona struct {
	Name         string `json:"name" validate:"max=128"`
	Description  string `json:"description" validate:"max=4096"`
	Instructions string `json:"instructions" validate:"max=16384"`
}

// ContextPayload is what the chat handler needs to assemble a model prompt.
type ContextPayload struct {
	Preamble         string           `json:"preamble"`
	RecentMessages   []Turn           `json:"recent_messages"`
	RelevantMemories []RelevantMemory `json:"relevant_memories"`
	// Degraded is set when history or long-term memory could not be read for this turn.
	Degraded bool `json:"degraded"`
}

// RelevantMemory is a long-term memory selected for this turn.
type RelevantMemory struct {
	Content  string   `json:"content"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// BuildContext reads recent history and relevant memories concurrently. It never fails:
// a broken store only empties its part of the payload and sets Degraded.
func (m *Manager) BuildContext(ctx context.Context, key CompanionKey, query string, persona Persona) ContextPayload {
	payload := ContextPayload{
		Preamble:         persona.Preamble(),
		RecentMessages:   []Turn{},
		RelevantMemories: []RelevantMemory{},
	}

	var (
		wg        sync.WaitGroup
		turns     []Turn
		histErr   error
		results   []RetrievalResult
		retrieval error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		turns, histErr = m.GetRecentHistory(ctx, key, m.cfg.RecentLimit)
	}()

	if strings.TrimSpace(query) != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, retrieval = m.RetrieveRelevantMemories(ctx, key, query, m.cfg.TopK)
		}()
	}

	wg.Wait()

	if histErr != nil {
		slog.Warn("memory: history unavailable, continuing without it", "error", histErr, "key", key.String())
		payload.Degraded = true
	} else {
		payload.RecentMessages = turns
	}

	if retrieval != nil && !errors.Is(retrieval, ErrValidation) {
		slog.Warn("memory: long-term retrieval degraded, using history only", "error", retrieval, "key", key.String())
		payload.Degraded = true
	}
	for _, r := range results {
		payload.RelevantMemories = append(payload.RelevantMemories, RelevantMemory{
			Content:  r.Record.SourceText,
			Score:    r.Score,
			Metadata: r.Record.Metadata,
		})
	}

	return payload
}

// Preamble renders the persona instructions that open every prompt.
func (p Persona) Preamble() string {
	if p.Name == "" && p.Instructions == "" {
		return ""
	}
	var b strings.Builder
	if p.Name != "" {
		b.WriteString("ONLY generate plain sentences without prefix of who is speaking. DO NOT use ")
		b.WriteString(p.Name)
		b.WriteString(": prefix.\n\n")
	}
	if p.Description != "" {
		b.WriteString(p.Description)
		b.WriteString("\n\n")
	}
	if p.Instructions != "" {
		b.WriteString(p.Instructions)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Prompt renders the payload as plain text: preamble, relevant memories, then the recent
// conversation with speaker labels.
func (c ContextPayload) Prompt(companionName string) string {
	var b strings.Builder
	if c.Preamble != "" {
		b.WriteString(c.Preamble)
		b.WriteString("\n\n")
	}
	if len(c.RelevantMemories) > 0 {
		b.WriteString("Below are relevant details about ")
		b.WriteString(companionName)
		b.WriteString("'s past and the conversation you are in.\n")
		for _, mem := range c.RelevantMemories {
			b.WriteString(mem.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	for _, t := range c.RecentMessages {
		if t.Role == RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString(companionName)
			b.WriteString(": ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ParseSeed splits a companion's example dialogue into turns.
func ParseSeed(seed, delimiter string) []Turn {
	if delimiter == "" {
		delimiter = "\n"
	}
	var turns []Turn
	for _, chunk := range strings.Split(seed, delimiter) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		role := RoleSystem
		content := chunk
		if speaker, rest, ok := splitSpeaker(chunk); ok {
			switch strings.ToLower(speaker) {
			case "human", "user":
				role = RoleUser
			}
			content = rest
		}
		turns = append(turns, Turn{Role: role, Content: content})
	}
	return turns
}

// splitSpeaker recognizes a short "Name: text" prefix of at most three words.
func splitSpeaker(chunk string) (speaker, rest string, ok bool) {
	speaker, rest, found := strings.Cut(chunk, ":")
	if !found {
		return "", "", false
	}
	speaker = strings.TrimSpace(speaker)
	rest = strings.TrimSpace(rest)
	if speaker == "" || rest == "" || len(speaker) > 32 || len(strings.Fields(speaker)) > 3 {
		return "", "", false
	}
	return speaker, rest, true
}
