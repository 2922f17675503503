package expenseform

import (
	"testing"
	"time"

	"github.com/maren/divvy/internal/models"
)

func TestNewFormStateDefaultsPayerToSelf(t *testing.T) {
	persons := []models.Person{
		{UUID: "p-1", Name: "jonas"},
		{UUID: "p-2", Name: "maren", IsSelf: true},
	}
	fs := NewFormState(persons, nil)
	if fs.PaidBy != "maren" {
		t.Errorf("PaidBy = %q, want maren", fs.PaidBy)
	}
	if fs.Form == nil {
		t.Fatal("form not built")
	}
}

func TestToExpenseNormalizes(t *testing.T) {
	fs := NewFormState(nil, nil)
	fs.Description = "  ferry tickets "
	fs.Amount = " 18.00 "
	fs.Currency = "eur"
	fs.Date = "2026-08-20"
	fs.Note = "two adults\n"

	exp, err := fs.ToExpense()
	if err != nil {
		t.Fatalf("to expense: %v", err)
	}
	if exp.Description != "ferry tickets" {
		t.Errorf("description = %q", exp.Description)
	}
	if exp.Amount != "18.00" {
		t.Errorf("amount = %q", exp.Amount)
	}
	if exp.Currency != "EUR" {
		t.Errorf("currency = %q", exp.Currency)
	}
	if exp.Date != "2026-08-20" {
		t.Errorf("date = %q", exp.Date)
	}
	if exp.Note != "two adults" {
		t.Errorf("note = %q", exp.Note)
	}
}

func TestToExpenseDefaultsDateToToday(t *testing.T) {
	fs := NewFormState(nil, nil)
	fs.Description = "coffee"
	fs.Amount = "3.50"

	exp, err := fs.ToExpense()
	if err != nil {
		t.Fatalf("to expense: %v", err)
	}
	if exp.Date != time.Now().Format("2006-01-02") {
		t.Errorf("date = %q, want today", exp.Date)
	}
}

func TestToExpenseRejectsBadDate(t *testing.T) {
	fs := NewFormState(nil, nil)
	fs.Description = "coffee"
	fs.Amount = "3.50"
	fs.Date = "someday"

	if _, err := fs.ToExpense(); err == nil {
		t.Fatal("expected error for unparseable date")
	}
}

func TestValidateAmount(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"12.50", false},
		{" 7 ", false},
		{"0", false},
		{"", true},
		{"  ", true},
		{"-5", true},
		{"abc", true},
	}
	for _, tc := range cases {
		err := validateAmount(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateAmount(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}

func TestValidateDate(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"today", false},
		{"yesterday", false},
		{"-3d", false},
		{"2026-08-20", false},
		{"someday", true},
		{"2026/08/20", true},
	}
	for _, tc := range cases {
		err := validateDate(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateDate(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}
