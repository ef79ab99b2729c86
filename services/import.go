package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"aptscout/models"
)

const maxLineSize = 4 << 20

// ImportJSONL runs ProcessListing for every JSON object in r, one per line.
// Blank lines are ignored; lines that fail to decode, or carry keys
// ListingFields does not know, count as invalid.
func (s *ListingService) ImportJSONL(ctx context.Context, source string, r io.Reader) (*ProcessStats, error) {
	stats := NewProcessStats()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line++

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var fields models.ListingFields
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fields); err != nil {
			log.Printf("Warning: %s:%d: %v", source, line, err)
			stats.Add(nil, fmt.Errorf("%w: %s:%d: %w", ErrInvalidListing, source, line, err))
			continue
		}

		result, err := s.ProcessListing(ctx, &fields)
		if err != nil {
			log.Printf("Warning: %s:%d: %v", source, line, err)
		}
		stats.Add(result, err)
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read %s: %w", source, err)
	}
	return stats, nil
}
