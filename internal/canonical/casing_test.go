package canonical

import "testing"

func TestSnakeCase(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "firstName", want: "first_name"},
		{input: "familyName", want: "family_name"},
		{input: "dob", want: "dob"},
		{input: "perOrgID", want: "per_org_id"},
		{input: "loadRunId", want: "load_run_id"},
		{input: "effectiveFrom", want: "effective_from"},
		{input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := SnakeCase(tt.input); got != tt.want {
				t.Errorf("SnakeCase(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCamelCase(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "first_name", want: "firstName"},
		{input: "load_run_id", want: "loadRunId"},
		{input: "dob", want: "dob"},
		{input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CamelCase(tt.input); got != tt.want {
				t.Errorf("CamelCase(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Round-trip: every camelCase field used by handlers must survive
// camel → snake → camel unchanged.
func TestCasingRoundTrip(t *testing.T) {
	fields := []string{
		"firstName", "familyName", "dob", "email", "phoneNumber",
		"practiceName", "providerNumber", "vaccineCode", "medicineCode",
		"appointmentTs", "scheduleTs", "amountOwed",
	}

	for _, field := range fields {
		if got := CamelCase(SnakeCase(field)); got != field {
			t.Errorf("round trip of %q = %q", field, got)
		}
	}
}
