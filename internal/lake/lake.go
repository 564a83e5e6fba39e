// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package lake reads landed play-event files. The lake is laid out
// hive-style, <root>/<stream>/date=YYYY-MM-DD/*.json, and is treated as
// immutable input: files are never moved, rewritten or deleted here.
package lake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/groovelab/playhouse/internal/config"
	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/models"
)

const datePrefix = "date="

// ErrMalformedFile marks a landed file whose structure cannot be decoded.
// Re-reading never fixes it, so the partition quarantines instead of
// retrying.
var ErrMalformedFile = errors.New("malformed lake file")

// Partition is one (stream, date) directory of landed files.
type Partition struct {
	Stream string
	Date   string // YYYY-MM-DD
	Dir    string
}

func (p Partition) String() string {
	return p.Stream + "/" + p.Date
}

// Source discovers and reads lake partitions.
type Source struct {
	root    string
	streams []string
}

// NewSource returns a Source over the configured lake root. With no
// streams configured, every top-level directory counts as a stream.
func NewSource(cfg *config.LakeConfig) *Source {
	return &Source{root: cfg.Root, streams: cfg.Streams}
}

// Discover lists partitions within the inclusive [from, to] date bounds,
// sorted by stream then date. Empty bounds are open. A configured stream
// with no directory yields no partitions; a missing lake root is an error.
func (s *Source) Discover(from, to string) ([]Partition, error) {
	if _, err := os.Stat(s.root); err != nil {
		return nil, fmt.Errorf("lake root %s is not readable: %w", s.root, err)
	}

	streams := s.streams
	if len(streams) == 0 {
		detected, err := s.detectStreams()
		if err != nil {
			return nil, err
		}
		streams = detected
	}

	var partitions []Partition
	for _, stream := range streams {
		streamDir := filepath.Join(s.root, stream)
		entries, err := os.ReadDir(streamDir)
		if errors.Is(err, fs.ErrNotExist) {
			logging.Warn().Str("stream", stream).Str("dir", streamDir).
				Msg("Configured stream has no lake directory")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list stream %s: %w", stream, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), datePrefix) {
				continue
			}
			date := strings.TrimPrefix(entry.Name(), datePrefix)
			if _, err := time.Parse("2006-01-02", date); err != nil {
				logging.Warn().Str("stream", stream).Str("dir", entry.Name()).
					Msg("Skipping partition directory with unparseable date")
				continue
			}
			if from != "" && date < from {
				continue
			}
			if to != "" && date > to {
				continue
			}
			partitions = append(partitions, Partition{
				Stream: stream,
				Date:   date,
				Dir:    filepath.Join(streamDir, entry.Name()),
			})
		}
	}

	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Stream != partitions[j].Stream {
			return partitions[i].Stream < partitions[j].Stream
		}
		return partitions[i].Date < partitions[j].Date
	})

	logging.Debug().Int("partitions", len(partitions)).
		Str("from", from).Str("to", to).Msg("Lake discovery finished")
	return partitions, nil
}

func (s *Source) detectStreams() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list lake root %s: %w", s.root, err)
	}
	var streams []string
	for _, entry := range entries {
		if entry.IsDir() {
			streams = append(streams, entry.Name())
		}
	}
	return streams, nil
}

// ReadPartition decodes every .json file of a partition, in file name
// order. A file may hold either a JSON array of events or one event per
// line. Elements that fail to decode come back as malformed-payload
// rejections carrying the original bytes; a file whose array structure is
// itself broken is a permanent error, since re-reading cannot fix it.
func (s *Source) ReadPartition(ctx context.Context, p Partition) ([]models.RawEvent, []models.Rejection, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list partition %s: %w", p, err)
	}

	var (
		events     []models.RawEvent
		rejections []models.Rejection
		files      int
	)
	// os.ReadDir returns entries sorted by name, which fixes the record
	// order and with it the deterministic session numbering downstream.
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		data, err := os.ReadFile(filepath.Join(p.Dir, entry.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s/%s: %w", p, entry.Name(), err)
		}
		evs, rejs, err := decodeFile(entry.Name(), data)
		if err != nil {
			return nil, nil, fmt.Errorf("partition %s: %w", p, err)
		}
		events = append(events, evs...)
		rejections = append(rejections, rejs...)
		files++
	}

	logging.Debug().Str("partition", p.String()).Int("files", files).
		Int("events", len(events)).Int("malformed", len(rejections)).
		Msg("Partition read")
	return events, rejections, nil
}

func decodeFile(name string, data []byte) ([]models.RawEvent, []models.Rejection, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil, nil
	}

	var (
		events     []models.RawEvent
		rejections []models.Rejection
	)
	if trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, nil, fmt.Errorf("%w: %s is not a valid JSON array: %v", ErrMalformedFile, name, err)
		}
		for i, elem := range elems {
			appendElem(&events, &rejections, fmt.Sprintf("%s[%d]", name, i), elem)
		}
		return events, rejections, nil
	}

	// One JSON object per line.
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		appendElem(&events, &rejections, fmt.Sprintf("%s:%d", name, i+1), line)
	}
	return events, rejections, nil
}

func appendElem(events *[]models.RawEvent, rejections *[]models.Rejection, loc string, raw []byte) {
	var ev models.RawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		payload := make([]byte, len(raw))
		copy(payload, raw)
		*rejections = append(*rejections, models.Rejection{
			Reason: models.ReasonMalformedPayload,
			Detail: fmt.Sprintf("%s: %v", loc, err),
			Raw:    payload,
		})
		return
	}
	*events = append(*events, ev)
}
