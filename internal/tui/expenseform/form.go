// Package expenseform is the interactive prompt behind "divvy expense
// add" when no description is given on the command line.
package expenseform

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/maren/divvy/internal/dateparse"
	"github.com/maren/divvy/internal/models"
)

var (
	errDescriptionRequired = errors.New("description is required")
	errAmountRequired      = errors.New("amount is required")
)

// Expense holds normalized form values ready to be written to the ledger.
type Expense struct {
	Description string
	Amount      string
	Currency    string
	PaidBy      string // person name, as stored on the record
	Group       string // group uuid, empty for none
	Date        string // ISO date
	Note        string
}

// FormState owns the form and its bound values.
type FormState struct {
	Form *huh.Form

	Description string
	Amount      string
	Currency    string
	PaidBy      string
	Group       string
	Date        string
	Note        string
}

// NewFormState builds a form over the ring's current people and groups.
// The payer defaults to self when known.
func NewFormState(persons []models.Person, groups []models.Group) *FormState {
	fs := &FormState{}
	for _, p := range persons {
		if p.IsSelf {
			fs.PaidBy = p.Name
			break
		}
	}
	fs.buildForm(persons, groups)
	return fs
}

func (fs *FormState) buildForm(persons []models.Person, groups []models.Group) {
	payerOptions := make([]huh.Option[string], 0, len(persons))
	for _, p := range persons {
		payerOptions = append(payerOptions, huh.NewOption(p.Name, p.Name))
	}

	groupOptions := make([]huh.Option[string], 0, len(groups)+1)
	groupOptions = append(groupOptions, huh.NewOption("(none)", ""))
	for _, g := range groups {
		groupOptions = append(groupOptions, huh.NewOption(g.Name, g.UUID))
	}

	fields := []huh.Field{
		huh.NewInput().
			Title("Description").
			Value(&fs.Description).
			Placeholder("Dinner at the harbor...").
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errDescriptionRequired
				}
				return nil
			}),
		huh.NewInput().
			Title("Amount").
			Value(&fs.Amount).
			Placeholder("42.50").
			Validate(validateAmount),
		huh.NewInput().
			Title("Currency").
			Value(&fs.Currency).
			Placeholder("EUR (optional)"),
	}

	if len(payerOptions) > 0 {
		fields = append(fields, huh.NewSelect[string]().
			Title("Paid by").
			Options(payerOptions...).
			Value(&fs.PaidBy))
	}
	fields = append(fields, huh.NewSelect[string]().
		Title("Group").
		Options(groupOptions...).
		Value(&fs.Group))

	fields = append(fields,
		huh.NewInput().
			Title("Date").
			Value(&fs.Date).
			Placeholder("today, yesterday, -3d, 2026-08-20...").
			Validate(validateDate),
		huh.NewText().
			Title("Note").
			Value(&fs.Note).
			Placeholder("Optional note, markdown welcome...").
			Lines(3),
	)

	fs.Form = huh.NewForm(huh.NewGroup(fields...).Title("New Expense"))
	fs.Form.WithTheme(huh.ThemeDracula())
}

// Run drives the form to completion. huh.ErrUserAborted passes through
// so callers can treat escape as a clean cancel.
func (fs *FormState) Run() error {
	return fs.Form.Run()
}

// ToExpense normalizes the bound values into an Expense.
func (fs *FormState) ToExpense() (Expense, error) {
	exp := Expense{
		Description: strings.TrimSpace(fs.Description),
		Amount:      strings.TrimSpace(fs.Amount),
		Currency:    strings.ToUpper(strings.TrimSpace(fs.Currency)),
		PaidBy:      fs.PaidBy,
		Group:       fs.Group,
		Note:        strings.TrimSpace(fs.Note),
	}

	date := strings.TrimSpace(fs.Date)
	if date == "" {
		exp.Date = time.Now().Format("2006-01-02")
		return exp, nil
	}
	parsed, err := dateparse.ParseDate(date)
	if err != nil {
		return Expense{}, err
	}
	exp.Date = parsed
	return exp, nil
}

func validateAmount(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errAmountRequired
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.New("not a number")
	}
	if n < 0 {
		return errors.New("amount cannot be negative")
	}
	return nil
}

func validateDate(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil // today
	}
	_, err := dateparse.ParseDate(s)
	return err
}
