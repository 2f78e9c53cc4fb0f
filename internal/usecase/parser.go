package usecase

import (
	"fmt"
	"strings"
	"time"

	"LevelWatch/internal/domain/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ParseAlertMessage turns a free-form level message into a fully
// populated AlertConfig. One level per non-empty line: the last
// whitespace-separated field is the numeric target, everything before
// it is the label. The whole message is rejected on the first bad line;
// no partial alert is ever produced.
//
// Direction is resolved here, once, against ref: Above when target is
// greater, Below when smaller. A target equal to ref is ambiguous and
// rejected. Labels must be unique (case-insensitive).
//
// Pure function: nothing is persisted or registered.
func ParseAlertMessage(raw, symbol string, dest models.Destination, ref decimal.Decimal) (*models.AlertConfig, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, &models.ParseError{Reason: "symbol is empty"}
	}

	var levels []models.Level
	seen := make(map[string]struct{})

	for i, line := range strings.Split(raw, "\n") {
		lineNo := i + 1
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, &models.ParseError{Line: lineNo, Reason: fmt.Sprintf("expected '<label> <target>', got %q", line)}
		}

		label := strings.Join(fields[:len(fields)-1], " ")
		target, err := decimal.NewFromString(fields[len(fields)-1])
		if err != nil {
			return nil, &models.ParseError{Line: lineNo, Reason: fmt.Sprintf("invalid target %q", fields[len(fields)-1])}
		}

		lvl, perr := resolveLevel(label, target, ref)
		if perr != nil {
			perr.Line = lineNo
			return nil, perr
		}

		key := strings.ToLower(label)
		if _, dup := seen[key]; dup {
			return nil, &models.ParseError{Line: lineNo, Reason: fmt.Sprintf("duplicate label %q", label)}
		}
		seen[key] = struct{}{}
		levels = append(levels, lvl)
	}

	if len(levels) == 0 {
		return nil, &models.ParseError{Reason: "no levels in message"}
	}

	return &models.AlertConfig{
		Symbol:         symbol,
		AlertID:        uuid.NewString(),
		Destination:    dest,
		Levels:         levels,
		CreatedAt:      time.Now().UTC(),
		ReferencePrice: ref,
	}, nil
}

// legacyFields is the fixed block layout of the original level
// messages: a field name on one line, its value on the next.
var legacyFields = []struct {
	field string
	label string
}{
	{"Lambda Level", "Lambda"},
	{"Fail-Safe", "FAIL SAFE"},
	{"Upside PT1", "PT1 Upside"},
	{"Upside PT2", "PT2 Upside"},
	{"Upside PT3", "PT3 Upside"},
	{"Downside PT1", "PT1 Downside"},
	{"Downside PT2", "PT2 Downside"},
	{"Downside PT3", "PT3 Downside"},
}

// ParseLegacyAlertMessage parses the original block-format level
// message (Ticker / Current Price / Lambda Level / ...). The embedded
// Current Price becomes the reference price.
func ParseLegacyAlertMessage(raw string, dest models.Destination) (*models.AlertConfig, error) {
	var lines []string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	symbol, err := legacyField(lines, "Ticker")
	if err != nil {
		return nil, err
	}
	rawRef, err := legacyField(lines, "Current Price")
	if err != nil {
		return nil, err
	}
	ref, derr := decimal.NewFromString(rawRef)
	if derr != nil {
		return nil, &models.ParseError{Reason: fmt.Sprintf("invalid Current Price %q", rawRef)}
	}

	var levels []models.Level
	for _, f := range legacyFields {
		rawVal, err := legacyField(lines, f.field)
		if err != nil {
			return nil, err
		}
		target, derr := decimal.NewFromString(rawVal)
		if derr != nil {
			return nil, &models.ParseError{Reason: fmt.Sprintf("invalid %s %q", f.field, rawVal)}
		}
		lvl, perr := resolveLevel(f.label, target, ref)
		if perr != nil {
			return nil, perr
		}
		levels = append(levels, lvl)
	}

	return &models.AlertConfig{
		Symbol:         strings.ToUpper(symbol),
		AlertID:        uuid.NewString(),
		Destination:    dest,
		Levels:         levels,
		CreatedAt:      time.Now().UTC(),
		ReferencePrice: ref,
	}, nil
}

func legacyField(lines []string, field string) (string, error) {
	for i := 0; i+1 < len(lines); i++ {
		if strings.EqualFold(lines[i], field) && lines[i+1] != "" {
			return lines[i+1], nil
		}
	}
	return "", &models.ParseError{Reason: fmt.Sprintf("missing field %q", field)}
}

func resolveLevel(label string, target, ref decimal.Decimal) (models.Level, *models.ParseError) {
	var dir models.Direction
	switch target.Cmp(ref) {
	case 1:
		dir = models.DirectionAbove
	case -1:
		dir = models.DirectionBelow
	default:
		return models.Level{}, &models.ParseError{
			Reason: fmt.Sprintf("level %q target %s equals reference price, direction ambiguous", label, target),
		}
	}
	return models.Level{Label: label, Target: target, Direction: dir}, nil
}
