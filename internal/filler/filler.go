package filler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/pkg/models"
)

// Control is a visible interactive element as reported by the page.
type Control struct {
	Index int
	ID    string
	Tag   string
	Label string
}

// Driver is the page capability the filler needs. Element handles are identifiers;
// QueryBySuffix returns them in DOM order.
type Driver interface {
	QueryBySuffix(ctx context.Context, tag, suffix string) ([]string, error)
	HasElement(ctx context.Context, id string) (bool, error)
	SetValue(ctx context.Context, id, value string, clearReadonly bool) error
	SelectValue(ctx context.Context, id, value string) error
	Click(ctx context.Context, id string) error
	Controls(ctx context.Context) ([]Control, error)
	ClickControl(ctx context.Context, c Control) error
	PressKey(ctx context.Context, key string) error
	// ArmNavigation starts listening for the next page load. The returned
	// channel receives once a load completes; listening stops when ctx is done.
	ArmNavigation(ctx context.Context) <-chan struct{}
}

// Options bounds every wait the filler performs.
type Options struct {
	ElementWait         time.Duration
	PollInterval        time.Duration
	FieldTimeout        time.Duration
	SubmitNavTimeout    time.Duration
	SubmitFallbackDelay time.Duration
	PreparerName        string
}

// Input is the data written into one form.
type Input struct {
	CorrelationID string
	Items         []models.LineItem
	Notes         string
	PreparedBy    string
}

var errElementNotFound = errors.New("element not found")

type fieldKind int

const (
	kindText fieldKind = iota
	kindDate
	kindSelect
	kindChoice
)

type field struct {
	name   string
	tag    string
	suffix string
	kind   fieldKind
	value  string
}

// Filler resolves fields by identifier suffix and writes line items into them.
type Filler struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Filler. Zero poll interval defaults to 100ms.
func New(opts Options, logger *zap.Logger) *Filler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Filler{opts: opts, logger: logger.Named("filler")}
}

// Fill writes every non-excluded item and then the notes and preparer fields.
// Individual field failures are logged and counted; they never stop the fill.
func (f *Filler) Fill(ctx context.Context, d Driver, in Input) models.FillReport {
	log := f.logger.With(zap.String("correlation_id", in.CorrelationID))
	var report models.FillReport

	rows := make(map[string]int)
	for i, item := range in.Items {
		if item.Exclude {
			log.Debug("Skipping excluded item.", zap.Int("item", i))
			continue
		}
		code := item.ConditionCode()
		suffixes, ok := SuffixesFor(code)
		if !ok {
			log.Warn("Unknown condition code, item not written.", zap.Int("item", i), zap.String("condition", code))
			continue
		}
		row := rows[code]
		rows[code]++
		report.Items++

		for _, fd := range itemFields(item, suffixes) {
			f.apply(ctx, d, log.With(zap.Int("item", i), zap.String("condition", code), zap.Int("row", row)), fd, row, &report)
		}
	}

	if notes := strings.TrimSpace(in.Notes); notes != "" {
		f.applySingle(ctx, d, log, field{name: "notes", tag: "textarea", suffix: NotesSuffix, value: notes}, NotesID, &report)
	}
	preparer := strings.TrimSpace(in.PreparedBy)
	if preparer == "" {
		preparer = f.opts.PreparerName
	}
	if preparer != "" {
		f.applySingle(ctx, d, log, field{name: "preparedBy", tag: "input", suffix: PreparerSuffix, value: preparer}, PreparerID, &report)
	}

	log.Info("Form fill finished.",
		zap.Int("items", report.Items),
		zap.Int("written", report.Written),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report
}

func itemFields(item models.LineItem, s Suffixes) []field {
	fields := []field{
		{name: "quantity", tag: "input", suffix: s.Quantity, value: formatNumber(item.Quantity)},
	}
	if item.Traceability != "" {
		fields = append(fields, field{name: "traceability", tag: "select", suffix: s.Traceability, kind: kindSelect, value: item.Traceability})
	}
	if item.UOM != "" {
		fields = append(fields, field{name: "uom", tag: "input", suffix: s.UOM, value: strings.ToUpper(item.UOM)})
	}
	fields = append(fields, field{name: "price", tag: "input", suffix: s.Price, value: strconv.FormatFloat(item.Price, 'f', 2, 64)})

	choice := field{name: "priceType", tag: "input", suffix: s.Outright, kind: kindChoice}
	if models.PriceType(strings.ToUpper(string(item.PriceType))) == models.PriceExchange {
		choice.suffix = s.Exchange
	}
	fields = append(fields, choice)

	if item.LeadTime != "" {
		fields = append(fields, field{name: "leadTime", tag: "input", suffix: s.LeadTime, value: item.LeadTime})
	}
	if item.TagDate != "" {
		fields = append(fields, field{name: "tagDate", tag: "input", suffix: s.TagDate, kind: kindDate, value: NormalizeDate(item.TagDate)})
	}
	if item.MinQuantity > 0 {
		fields = append(fields, field{name: "minQuantity", tag: "input", suffix: s.MinQuantity, value: formatNumber(item.MinQuantity)})
	}
	if item.Comment != "" {
		fields = append(fields, field{name: "comment", tag: "textarea", suffix: s.Comment, value: item.Comment})
	}
	return fields
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// apply resolves the field at the given row index and writes it within FieldTimeout.
func (f *Filler) apply(ctx context.Context, d Driver, log *zap.Logger, fd field, row int, report *models.FillReport) {
	fctx, cancel := f.fieldContext(ctx)
	defer cancel()

	id, err := f.resolve(fctx, d, fd.tag, fd.suffix, row)
	if err == nil {
		err = f.write(fctx, d, fd, id)
	}
	f.record(log, fd, err, report)
}

// applySingle prefers an exact identifier and falls back to the first suffix match.
func (f *Filler) applySingle(ctx context.Context, d Driver, log *zap.Logger, fd field, exactID string, report *models.FillReport) {
	fctx, cancel := f.fieldContext(ctx)
	defer cancel()

	id := exactID
	found, err := d.HasElement(fctx, exactID)
	if err != nil || !found {
		id, err = f.resolve(fctx, d, fd.tag, fd.suffix, 0)
	}
	if err == nil {
		err = f.write(fctx, d, fd, id)
	}
	f.record(log, fd, err, report)
}

func (f *Filler) fieldContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.opts.FieldTimeout > 0 {
		return context.WithTimeout(ctx, f.opts.FieldTimeout)
	}
	return context.WithCancel(ctx)
}

func (f *Filler) record(log *zap.Logger, fd field, err error, report *models.FillReport) {
	switch {
	case err == nil:
		report.Written++
	case errors.Is(err, errElementNotFound):
		report.Skipped++
		log.Debug("Field not present, skipping.", zap.String("field", fd.name), zap.String("suffix", fd.suffix))
	default:
		report.Failed++
		log.Debug("Field write failed.", zap.String("field", fd.name), zap.String("suffix", fd.suffix), zap.Error(err))
	}
}

// resolve polls until the element at index exists among the suffix matches or
// ElementWait elapses. Query errors during the wait are retried; the row may
// still be rendering.
func (f *Filler) resolve(ctx context.Context, d Driver, tag, suffix string, index int) (string, error) {
	deadline := time.NewTimer(f.opts.ElementWait)
	defer deadline.Stop()
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		ids, err := d.QueryBySuffix(ctx, tag, suffix)
		if err == nil && index < len(ids) {
			return ids[index], nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s[%d]", errElementNotFound, suffix, index)
		case <-deadline.C:
			return "", fmt.Errorf("%w: %s[%d]", errElementNotFound, suffix, index)
		case <-ticker.C:
		}
	}
}

func (f *Filler) write(ctx context.Context, d Driver, fd field, id string) error {
	switch fd.kind {
	case kindSelect:
		return d.SelectValue(ctx, id, fd.value)
	case kindChoice:
		return d.Click(ctx, id)
	case kindDate:
		return d.SetValue(ctx, id, fd.value, true)
	default:
		return d.SetValue(ctx, id, fd.value, false)
	}
}
