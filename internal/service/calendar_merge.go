package service

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

// calendarDateLayouts are tried in order; the first successful parse wins.
var calendarDateLayouts = []string{"2006-01-02", "1/2/2006", "2/1/2006"}

var (
	periodKeywords = []string{"period", "quarter", "grading", "semester"}

	ordinalWords = map[string]int{
		"first": 1, "1st": 1, "q1": 1,
		"second": 2, "2nd": 2, "q2": 2,
		"third": 3, "3rd": 3, "q3": 3,
		"fourth": 4, "4th": 4, "q4": 4,
	}

	startWords = map[string]bool{"start": true, "starts": true, "begin": true, "begins": true, "beginning": true, "opening": true, "opens": true}
	endWords   = map[string]bool{"end": true, "ends": true, "ending": true, "close": true, "closing": true, "exam": true, "exams": true, "examination": true, "examinations": true}
)

type calendarRow struct {
	line        int
	date        time.Time
	title       string
	description string
	kind        string
	track       string
}

// MergeCalendar parses calendar CSV text and folds it onto existing. Period rows patch only the
// field they address; every other field of existing is carried over. Event rows form a new set
// that is meant to replace the stored one when non-empty. Bad rows are reported, never fatal.
func MergeCalendar(csvText string, existing *models.SchoolPeriod) (models.SchoolPeriod, []models.SchoolEvent, models.ImportReport) {
	var period models.SchoolPeriod
	if existing != nil {
		period = *existing
	}
	events := []models.SchoolEvent{}
	report := models.ImportReport{}

	headerChecked := false
	for i, rawLine := range strings.Split(csvText, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(rawLine, "\r"))
		if line == "" {
			continue
		}
		if !headerChecked {
			headerChecked = true
			if looksLikeHeader(line) {
				continue
			}
		}

		row, err := parseCalendarRow(i+1, line)
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, models.ImportRowError{Line: i + 1, Reason: err.Error()})
			continue
		}

		field, isPeriod, err := classifyPeriodRow(row)
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, models.ImportRowError{Line: row.line, Reason: err.Error()})
			continue
		}
		if isPeriod {
			period.Set(field, row.date)
			report.PeriodTouched = true
			report.PeriodFields = append(report.PeriodFields, field.String())
			report.Imported++
			continue
		}

		events = append(events, eventFromRow(row))
		report.Imported++
	}

	report.EventsFound = len(events)
	return period, events, report
}

func looksLikeHeader(line string) bool {
	lower := strings.ToLower(line)
	if !strings.Contains(lower, "date") && !strings.Contains(lower, "title") && !strings.Contains(lower, "event name") {
		return false
	}
	first := strings.TrimSpace(strings.SplitN(line, ",", 2)[0])
	_, isDate := parseCalendarDate(first)
	return !isDate
}

func splitCalendarLine(line string) []string {
	reader := csv.NewReader(strings.NewReader(line))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	tokens, err := reader.Read()
	if err != nil {
		tokens = strings.Split(line, ",")
	}
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	return tokens
}

func parseCalendarRow(lineNo int, line string) (calendarRow, error) {
	tokens := splitCalendarLine(line)
	if len(tokens) < 3 {
		return calendarRow{}, fmt.Errorf("expected at least 3 columns, got %d", len(tokens))
	}
	date, ok := parseCalendarDate(tokens[0])
	if !ok {
		return calendarRow{}, fmt.Errorf("unrecognised date %q", tokens[0])
	}
	if tokens[1] == "" {
		return calendarRow{}, fmt.Errorf("missing title")
	}
	row := calendarRow{line: lineNo, date: date, title: tokens[1], description: tokens[2], kind: tokens[2]}
	if len(tokens) >= 4 && tokens[3] != "" {
		row.kind = tokens[3]
	}
	if len(tokens) >= 5 {
		row.track = tokens[4]
	}
	return row, nil
}

func parseCalendarDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range calendarDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hasPeriodKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range periodKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// classifyPeriodRow resolves the period field a row addresses. Rows whose type column names a
// period but cannot be resolved are errors; rows that only mention a period in the title fall
// back to being events.
func classifyPeriodRow(row calendarRow) (models.PeriodField, bool, error) {
	typeSaysPeriod := hasPeriodKeyword(row.kind)
	if !typeSaysPeriod && !hasPeriodKeyword(row.title) {
		return models.PeriodField{}, false, nil
	}

	ws := words(row.title + " " + row.kind)
	ordinal, semester := 0, false
	boundary := models.Boundary("")
	for i, w := range ws {
		if w == "semester" || w == "sem" {
			semester = true
		}
		if ordinal == 0 {
			if q, ok := ordinalWords[w]; ok {
				ordinal = q
			} else if (w == "quarter" || w == "period" || w == "grading" || w == "semester") && i+1 < len(ws) {
				if q, ok := digitOrdinal(ws[i+1]); ok {
					ordinal = q
				}
			}
		}
		if boundary == "" {
			switch {
			case startWords[w]:
				boundary = models.BoundaryStart
			case endWords[w]:
				boundary = models.BoundaryEnd
			}
		}
	}

	if ordinal == 0 || boundary == "" || (semester && ordinal > 2) {
		if typeSaysPeriod {
			return models.PeriodField{}, false, fmt.Errorf("period row %q needs a quarter ordinal and a start or end keyword", row.title)
		}
		return models.PeriodField{}, false, nil
	}

	if semester {
		return semesterField(ordinal, boundary), true, nil
	}
	return models.PeriodField{Track: rowTrack(row), Quarter: ordinal, Boundary: boundary}, true, nil
}

func digitOrdinal(w string) (int, bool) {
	switch w {
	case "1", "2", "3", "4":
		return int(w[0] - '0'), true
	}
	return 0, false
}

// semesterField maps senior-high semester boundaries onto the quarters they span.
func semesterField(semester int, boundary models.Boundary) models.PeriodField {
	quarter := (semester-1)*2 + 1
	if boundary == models.BoundaryEnd {
		quarter++
	}
	return models.PeriodField{Track: models.TrackSenior, Quarter: quarter, Boundary: boundary}
}

func rowTrack(row calendarRow) models.Track {
	switch strings.ToLower(strings.TrimSpace(row.track)) {
	case "shs", "senior", "senior high", "senior high school":
		return models.TrackSenior
	case "jhs", "junior", "junior high", "junior high school":
		return models.TrackJunior
	}
	ws := words(row.title + " " + row.kind + " " + row.track)
	for i, w := range ws {
		if w == "senior" || w == "shs" {
			return models.TrackSenior
		}
		if w == "grade" && i+1 < len(ws) && (ws[i+1] == "11" || ws[i+1] == "12") {
			return models.TrackSenior
		}
	}
	return models.TrackJunior
}

func eventFromRow(row calendarRow) models.SchoolEvent {
	kind := strings.ToLower(row.kind)
	eventType := models.EventTypeOther
	noClass := false
	switch {
	case strings.Contains(kind, "holiday"):
		eventType, noClass = models.EventTypeHoliday, true
	case strings.Contains(kind, "no-class"), strings.Contains(kind, "no class"), strings.Contains(kind, "no_class"), strings.Contains(kind, "suspension"):
		eventType, noClass = models.EventTypeNoClass, true
	case strings.Contains(kind, "break"), strings.Contains(kind, "vacation"):
		eventType, noClass = models.EventTypeBreak, true
	case strings.Contains(kind, "exam"):
		eventType = models.EventTypeExam
	case strings.Contains(kind, "activity"), strings.Contains(kind, "event"), strings.Contains(kind, "program"):
		eventType = models.EventTypeActivity
	case hasPeriodKeyword(kind):
		eventType = models.EventTypePeriod
	}
	return models.SchoolEvent{
		Date:        row.date,
		Title:       row.title,
		Description: row.description,
		Type:        eventType,
		TypeLabel:   row.kind,
		IsNoClass:   noClass,
	}
}
