package staging

import (
	"errors"
	"testing"
	"time"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain table", input: "patient", wantErr: false},
		{name: "schema qualified", input: "stg.patient", wantErr: false},
		{name: "fact table", input: "core.fact_invoice_detail", wantErr: false},
		{name: "uppercase rejected", input: "Stg.Patient", wantErr: true},
		{name: "injection rejected", input: "stg.patient; DROP TABLE x", wantErr: true},
		{name: "empty rejected", input: "", wantErr: true},
		{name: "double dot rejected", input: "a.b.c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}

			if err != nil && !errors.Is(err, ErrInvalidIdentifier) {
				t.Errorf("error should wrap ErrInvalidIdentifier, got %v", err)
			}
		})
	}
}

func TestOrderByClause(t *testing.T) {
	got, err := orderByClause([]string{"patientId", "perOrgId"})
	if err != nil {
		t.Fatalf("orderByClause() error = %v", err)
	}

	// Business-key columns first, then the tiebreakers that make the order
	// total; two rows with the same key must never straddle batches in a
	// different order between re-queries.
	want := "s.patient_id, s.per_org_id, s.load_run_file_id, s.ctid"
	if got != want {
		t.Errorf("orderByClause() = %q, want %q", got, want)
	}

	if _, err := orderByClause([]string{"bad-ident!"}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("error should wrap ErrInvalidIdentifier, got %v", err)
	}
}

func TestRowFromColumns(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	columns := []string{"patient_id", "first_name", "dob", "visit_count", "load_run_file_id"}
	values := []any{[]byte("P1"), []byte("John"), ts, int64(3), int64(42)}

	row := rowFromColumns(columns, values)

	if row["patientId"] != "P1" {
		t.Errorf("patientId = %v, want P1", row["patientId"])
	}

	if row["firstName"] != "John" {
		t.Errorf("firstName = %v, want John", row["firstName"])
	}

	if row["dob"] != ts {
		t.Errorf("dob = %v, want %v", row["dob"], ts)
	}

	if row["visitCount"] != int64(3) {
		t.Errorf("visitCount = %v, want 3", row["visitCount"])
	}

	if row["loadRunFileId"] != int64(42) {
		t.Errorf("loadRunFileId = %v, want 42", row["loadRunFileId"])
	}
}

func TestRowField(t *testing.T) {
	row := Row{"patientId": "P1", "email": nil}

	if _, ok := row.Field("patientId"); !ok {
		t.Error("present field should be found")
	}

	if _, ok := row.Field("email"); ok {
		t.Error("nil field should count as missing")
	}

	if _, ok := row.Field("absent"); ok {
		t.Error("absent field should not be found")
	}
}
