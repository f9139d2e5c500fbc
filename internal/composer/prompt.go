package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/tokens"
)

// TruncationMarker is appended to text cut to fit a budget.
const TruncationMarker = " [...truncated]"

// DefaultPersona is used when neither the folio nor the settings name a
// persona that exists.
var DefaultPersona = storage.Persona{
	ID:       "default",
	Name:     "Branestawm",
	Identity: "You are Branestawm, a knowledgeable and resourceful personal assistant.",
	Tone:     "Clear, friendly and concise.",
	Role:     "Help the user think through problems, plan work and keep track of what matters.",
}

// resolvePersona returns the folio's persona, else the active persona from
// settings, else DefaultPersona. Lookup failures other than not-found are
// returned.
func (m *Manager) resolvePersona(ctx context.Context, folio storage.Folio) (storage.Persona, error) {
	id := folio.PersonaID
	if id == "" {
		active, err := m.store.GetSetting(ctx, storage.SettingActivePersona)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return storage.Persona{}, fmt.Errorf("reading active persona: %w", err)
		default:
			id = active
		}
	}
	if id == "" {
		return DefaultPersona, nil
	}

	p, err := m.store.GetPersona(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Debug("persona not found, using default", "persona_id", id)
		return DefaultPersona, nil
	}
	if err != nil {
		return storage.Persona{}, fmt.Errorf("loading persona %s: %w", id, err)
	}
	return p, nil
}

// buildSystemPrompt renders the persona, folio and temporal sections and
// cuts the result to fit budget tokens.
func buildSystemPrompt(p storage.Persona, folio storage.Folio, now time.Time, budget int) string {
	var sb strings.Builder

	sb.WriteString("[Persona]\n")
	writeField(&sb, "Identity", p.Identity)
	writeField(&sb, "Tone", p.Tone)
	writeField(&sb, "Role", p.Role)

	if folio.Description != "" || folio.Guidelines != "" {
		sb.WriteString("\n[Folio")
		if folio.Title != "" {
			sb.WriteString(": ")
			sb.WriteString(folio.Title)
		}
		sb.WriteString("]\n")
		writeField(&sb, "Description", folio.Description)
		writeField(&sb, "Guidelines", folio.Guidelines)
	}

	sb.WriteString("\n[Temporal Context]\n")
	fmt.Fprintf(&sb, "Current date: %s\n", now.Format("Monday, 2 January 2006"))
	fmt.Fprintf(&sb, "Current time: %s", now.Format("15:04 MST"))

	return truncateToTokens(sb.String(), budget)
}

func writeField(sb *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

// truncateToTokens cuts text proportionally so that it, plus the
// truncation marker, estimates to at most budget tokens. Text already
// within budget is returned unchanged.
func truncateToTokens(text string, budget int) string {
	if tokens.Estimate(text) <= budget {
		return text
	}
	if budget <= tokens.Estimate(TruncationMarker) {
		return ""
	}

	chars := tokens.CharsForTokens(text, budget-tokens.Estimate(TruncationMarker))
	runes := []rune(text)
	if chars > len(runes) {
		chars = len(runes)
	}
	for chars > 0 {
		out := strings.TrimRightFunc(string(runes[:chars]), isSpace) + TruncationMarker
		if tokens.Estimate(out) <= budget {
			return out
		}
		chars -= max(1, chars/20)
	}
	return ""
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
