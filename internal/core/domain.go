package core

import (
	"errors"
	"sort"
	"strings"
	"time"
)

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Biweekly  Frequency = "biweekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

const (
	SubjectSingleObligation SubjectKind = "single_obligation"
	SubjectGroup            SubjectKind = "group"
)

type (
	Frequency string

	SubjectKind string

	Date struct {
		time.Time
	}

	// RecurrenceRef is a weak back-reference from a generated instance to the
	// template that produced it. Templates outlive their instances.
	RecurrenceRef struct {
		TemplateID    string `json:"template_id"`
		InstanceIndex int    `json:"instance_index"`
	}

	Obligation struct {
		ID          string         `json:"id"`
		OwnerID     string         `json:"owner_id"`
		DebtorName  string         `json:"debtor_name"`
		Amount      Money          `json:"amount"`
		Description string         `json:"description,omitempty"`
		ContactRef  string         `json:"contact_ref,omitempty"`
		CreatedAt   time.Time      `json:"created_at"`
		UpdatedAt   time.Time      `json:"updated_at"`
		IsPaid      bool           `json:"is_paid"`
		PaidAt      *time.Time     `json:"paid_at,omitempty"`
		GroupID     *string        `json:"group_id,omitempty"`
		Recurrence  *RecurrenceRef `json:"recurrence,omitempty"`
	}

	// Ledger is a named group of obligations. TotalAmount, PaidAmount,
	// IsCompleted and MemberIDs are derived state, rewritten on reconciliation.
	Ledger struct {
		ID          string         `json:"id"`
		OwnerID     string         `json:"owner_id"`
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		TotalAmount Money          `json:"total_amount"`
		PaidAmount  Money          `json:"paid_amount"`
		IsCompleted bool           `json:"is_completed"`
		MemberIDs   []string       `json:"member_ids"`
		Recurrence  *RecurrenceRef `json:"recurrence,omitempty"`
		CreatedAt   time.Time      `json:"created_at"`
		UpdatedAt   time.Time      `json:"updated_at"`
	}

	// MemberDefinition describes one obligation cloned into every ledger a
	// group template generates.
	MemberDefinition struct {
		DebtorName  string `json:"debtor_name"`
		Amount      Money  `json:"amount"`
		Description string `json:"description,omitempty"`
		ContactRef  string `json:"contact_ref,omitempty"`
	}

	TemplateFields struct {
		// Name is the ledger name for group templates.
		Name        string `json:"name,omitempty"`
		DebtorName  string `json:"debtor_name,omitempty"`
		Amount      Money  `json:"amount"`
		Description string `json:"description,omitempty"`
		ContactRef  string `json:"contact_ref,omitempty"`
		// GroupID keeps every generated obligation of a single-obligation
		// template inside the same (non-recurring) ledger.
		GroupID *string            `json:"group_id,omitempty"`
		Members []MemberDefinition `json:"members,omitempty"`
	}

	Template struct {
		ID                   string         `json:"id"`
		OwnerID              string         `json:"owner_id"`
		SubjectKind          SubjectKind    `json:"subject_kind"`
		Fields               TemplateFields `json:"fields"`
		Frequency            Frequency      `json:"frequency"`
		StartDate            Date           `json:"start_date"`
		EndDate              *Date          `json:"end_date,omitempty"`
		DayOfMonth           *int           `json:"day_of_month,omitempty"`
		DayOfWeek            *time.Weekday  `json:"day_of_week,omitempty"`
		IsActive             bool           `json:"is_active"`
		LastGeneratedDate    *time.Time     `json:"last_generated_date,omitempty"`
		NextOccurrenceDate   Date           `json:"next_occurrence_date"`
		GeneratedInstanceIDs []string       `json:"generated_instance_ids"`
		CreatedAt            time.Time      `json:"created_at"`
		UpdatedAt            time.Time      `json:"updated_at"`
	}
)

var (
	ErrInvalidDay         = errors.New("invalid day")
	ErrInvalidMonth       = errors.New("invalid month")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAmountOverflow     = errors.New("amount total overflows")
	ErrEmptyDebtor        = errors.New("empty debtor name")
	ErrEmptyName          = errors.New("empty name")
	ErrEmptyOwner         = errors.New("empty owner id")
	ErrInvalidFrequency   = errors.New("invalid frequency")
	ErrInvalidSubject     = errors.New("invalid subject kind")
	ErrEndBeforeStart     = errors.New("end date must not be before start date")
	ErrDescriptionTooLong = errors.New("description too long (max 200 characters)")
	ErrInvalidTransition  = errors.New("invalid template state transition")
)

const maxDescriptionLen = 200

// Validate checks that f is a known frequency.
func (f Frequency) Validate() error {
	switch f {
	case Daily, Weekly, Biweekly, Monthly, Quarterly, Yearly:
		return nil
	default:
		return NewValidationError("frequency", ErrInvalidFrequency)
	}
}

// MonthBased reports whether the frequency advances by calendar months.
func (f Frequency) MonthBased() bool {
	return f == Monthly || f == Quarterly || f == Yearly
}

// Validate checks that k is a known subject kind.
func (k SubjectKind) Validate() error {
	switch k {
	case SubjectSingleObligation, SubjectGroup:
		return nil
	default:
		return NewValidationError("subject_kind", ErrInvalidSubject)
	}
}

// Validate checks that d is a set calendar date.
func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	_, month, day := d.Date()
	if day < 1 || day > 31 {
		return ErrInvalidDay
	}
	if month < 1 || month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

// NewDate creates a new Date from year, month, day
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	t = t.UTC()
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a date string in YYYY-MM-DD format.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format(time.DateOnly)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DueBy reports whether the date has elapsed at instant now.
func (d Date) DueBy(now time.Time) bool {
	return !d.After(now)
}

func validateDescription(field, s string) error {
	if len(s) > maxDescriptionLen {
		return NewValidationError(field, ErrDescriptionTooLong)
	}
	return nil
}

// Validate checks the obligation fields.
func (o Obligation) Validate() error {
	if strings.TrimSpace(o.OwnerID) == "" {
		return NewValidationError("owner_id", ErrEmptyOwner)
	}
	if strings.TrimSpace(o.DebtorName) == "" {
		return NewValidationError("debtor_name", ErrEmptyDebtor)
	}
	if err := o.Amount.Validate(); err != nil {
		return NewValidationError("amount", err)
	}
	return validateDescription("description", o.Description)
}

// Validate checks the ledger fields.
func (l Ledger) Validate() error {
	if strings.TrimSpace(l.OwnerID) == "" {
		return NewValidationError("owner_id", ErrEmptyOwner)
	}
	if strings.TrimSpace(l.Name) == "" {
		return NewValidationError("name", ErrEmptyName)
	}
	return validateDescription("description", l.Description)
}

// Validate checks the fields stamped on generated group members.
func (m MemberDefinition) Validate() error {
	if strings.TrimSpace(m.DebtorName) == "" {
		return NewValidationError("members.debtor_name", ErrEmptyDebtor)
	}
	if err := m.Amount.Validate(); err != nil {
		return NewValidationError("members.amount", err)
	}
	return validateDescription("members.description", m.Description)
}

// Validate checks the template schedule and the fields it stamps on instances.
func (t Template) Validate() error {
	if strings.TrimSpace(t.OwnerID) == "" {
		return NewValidationError("owner_id", ErrEmptyOwner)
	}
	if err := t.SubjectKind.Validate(); err != nil {
		return err
	}
	if err := t.Frequency.Validate(); err != nil {
		return err
	}
	if err := t.StartDate.Validate(); err != nil {
		return NewValidationError("start_date", err)
	}
	if t.EndDate != nil {
		if err := t.EndDate.Validate(); err != nil {
			return NewValidationError("end_date", err)
		}
		if t.EndDate.Before(t.StartDate.Time) {
			return NewValidationError("end_date", ErrEndBeforeStart)
		}
	}
	if t.DayOfMonth != nil && (*t.DayOfMonth < 1 || *t.DayOfMonth > 31) {
		return NewValidationError("day_of_month", ErrInvalidDay)
	}
	if t.DayOfWeek != nil && (*t.DayOfWeek < time.Sunday || *t.DayOfWeek > time.Saturday) {
		return NewValidationError("day_of_week", ErrInvalidDay)
	}
	if err := validateDescription("description", t.Fields.Description); err != nil {
		return err
	}

	switch t.SubjectKind {
	case SubjectSingleObligation:
		if strings.TrimSpace(t.Fields.DebtorName) == "" {
			return NewValidationError("debtor_name", ErrEmptyDebtor)
		}
		if err := t.Fields.Amount.Validate(); err != nil {
			return NewValidationError("amount", err)
		}
	case SubjectGroup:
		if strings.TrimSpace(t.Fields.Name) == "" {
			return NewValidationError("name", ErrEmptyName)
		}
		for _, m := range t.Fields.Members {
			if err := m.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// AnchorDay is the day of month month-based schedules land on.
func (t Template) AnchorDay() int {
	if t.DayOfMonth != nil {
		return *t.DayOfMonth
	}
	return t.StartDate.Day()
}

// EndsBy reports whether the template's end date is on or before d.
func (t Template) EndsBy(d time.Time) bool {
	return t.EndDate != nil && !t.EndDate.After(d)
}

// NormalizeIDs returns a sorted copy of ids with duplicates removed.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SameGroup compares two optional group ids.
func SameGroup(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
