package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// ErrUnrecognizedFeed is returned when a payload matches none of the accepted shapes.
var ErrUnrecognizedFeed = errors.New("unrecognized signal data format")

// ParseFeed decodes a signal report. Accepted shapes:
//
//   - a junction list: [{"路口":0,"信号":"ETWT","排队车辆":4}, ...]
//   - text: {"data": "路口0: 信号=ETWT, 排队车辆=4\n..."}
//   - junction objects keyed by name: {"路口0": {...}, "junction1": {...}}
//   - an envelope: {"intersectionId": 2, "junctions": [...]}
//   - structured colors: {"signals": {...}, "leftTurnSignals": {...}}
//   - flat through colors: {"north_bound": "green", ...}
//
// The returned status has IntersectionID 0 unless the payload names one.
func ParseFeed(data []byte) (model.SignalStatus, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.SignalStatus{}, fmt.Errorf("decoding signal data: %w", err)
	}

	switch v := raw.(type) {
	case []any:
		return FromJunctions(0, junctionsFromList(v)), nil
	case map[string]any:
		return parseFeedObject(v)
	}
	return model.SignalStatus{}, ErrUnrecognizedFeed
}

func parseFeedObject(m map[string]any) (model.SignalStatus, error) {
	id := 0
	if v, ok := m["intersectionId"]; ok {
		id = toInt(v)
	}

	if text, ok := m["data"].(string); ok {
		return FromJunctions(id, ParseJunctionText(text)), nil
	}
	if list, ok := m["junctions"].([]any); ok {
		return FromJunctions(id, junctionsFromList(list)), nil
	}

	_, hasSignals := m["signals"]
	_, hasLeft := m["leftTurnSignals"]
	if hasSignals || hasLeft {
		s := model.SignalStatus{
			IntersectionID:  id,
			Signals:         colorsFromAny(m["signals"]),
			LeftTurnSignals: colorsFromAny(m["leftTurnSignals"]),
		}
		s.Normalize()
		return s, nil
	}

	var keyed []Junction
	for k, v := range m {
		if !strings.HasPrefix(k, "路口") && !strings.HasPrefix(strings.ToLower(k), "junction") {
			continue
		}
		if obj, ok := v.(map[string]any); ok {
			keyed = append(keyed, junctionFromMap(obj))
		}
	}
	if len(keyed) > 0 {
		return FromJunctions(id, keyed), nil
	}

	flat := make(map[model.Direction]model.Color)
	for _, d := range model.Directions {
		if c, ok := m[string(d)].(string); ok {
			flat[d] = model.ParseColor(c)
		}
	}
	if len(flat) > 0 {
		s := model.SignalStatus{IntersectionID: id, Signals: flat}
		s.Normalize()
		return s, nil
	}

	return model.SignalStatus{}, ErrUnrecognizedFeed
}

func junctionsFromList(list []any) []Junction {
	out := make([]Junction, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, junctionFromMap(obj))
		}
	}
	return out
}

func colorsFromAny(v any) map[model.Direction]model.Color {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[model.Direction]model.Color, len(m))
	for k, c := range m {
		d, ok := model.ParseDirection(k)
		if !ok {
			continue
		}
		s, _ := c.(string)
		out[d] = model.ParseColor(s)
	}
	return out
}

// Consume applies every payload received on ch to the board until ch closes
// or ctx is done. Undecodable payloads and updates refused by the board are
// logged and skipped.
func Consume(ctx context.Context, ch <-chan []byte, board *Board, source string) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			applyPayload(board, data, source)
		}
	}
}

func applyPayload(board *Board, data []byte, source string) {
	status, err := ParseFeed(data)
	if err != nil {
		slog.Warn("dropping signal payload", "source", source, "error", err)
		return
	}
	if _, err := board.Apply(status.IntersectionID, status, source); err != nil {
		slog.Debug("signal update refused", "source", source, "error", err)
	}
}
