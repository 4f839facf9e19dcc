// Package embedding turns memory text into vectors using a hosted or local model.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/companionhq/companion/internal/memory"
)

// MaxInputBytes bounds a single embedding request.
const MaxInputBytes = 32768

func checkInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return memory.Validationf("embedding input is empty")
	}
	if len(text) > MaxInputBytes {
		return memory.Validationf("embedding input is %d bytes, limit is %d", len(text), MaxInputBytes)
	}
	return nil
}

func checkOutput(vec []float32, want int) error {
	if len(vec) != want {
		return memory.Configurationf("model returned %d dimensions, expected %d", len(vec), want)
	}
	return nil
}

// classifyStatus maps an upstream HTTP status onto the memory error taxonomy.
func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return memory.Transient(err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", memory.ErrConfiguration, err)
	case code == http.StatusBadRequest, code == http.StatusRequestEntityTooLarge, code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", memory.ErrValidation, err)
	case code == 0:
		// no response: connection refused, DNS, reset
		return memory.Transient(err)
	default:
		return err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Probe embeds a fixed sentence and checks the width against e.Dimensions(). Run it at
// startup to catch a model swap before the first user request.
func Probe(ctx context.Context, e memory.Embedder) error {
	vec, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return fmt.Errorf("probing embedding model: %w", err)
	}
	return checkOutput(vec, e.Dimensions())
}
