package dimension

import (
	"fmt"
	"strings"

	"github.com/carelake-io/carelake/internal/scd2"
)

// Dimension types known to the merger.
const (
	TypePractice = "practice"
	TypePatient  = "patient"
	TypeProvider = "provider"
	TypeVaccine  = "vaccine"
	TypeMedicine = "medicine"
)

// LoadOrder is the fixed dependency order dimensions are merged in: practices
// before the people attached to them, reference dimensions last. The ordering
// lives here rather than on the handlers because it is a property of the
// pipeline, not of any single dimension.
var LoadOrder = []string{TypePractice, TypePatient, TypeProvider, TypeVaccine, TypeMedicine}

// Registry holds the static handler for every dimension type.
type Registry struct {
	handlers map[string]*Handler
}

// NewRegistry builds the dimension registry and validates every handler.
func NewRegistry() (*Registry, error) {
	handlers := []*Handler{
		practiceHandler(),
		patientHandler(),
		providerHandler(),
		vaccineHandler(),
		medicineHandler(),
	}

	byType := make(map[string]*Handler, len(handlers))

	for _, h := range handlers {
		if err := h.Validate(); err != nil {
			return nil, err
		}

		byType[h.Type] = h
	}

	return &Registry{handlers: byType}, nil
}

// Handler returns the handler for a dimension type.
func (r *Registry) Handler(dimType string) (*Handler, error) {
	h, ok := r.handlers[dimType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, dimType)
	}

	return h, nil
}

// Types returns all registered dimension types in load order.
func (r *Registry) Types() []string {
	return LoadOrder
}

// upperState maps a canonical (lowercased) Australian state code back to its
// stored uppercase form.
func upperState(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	return strings.ToUpper(s)
}

// normalizeGender collapses the gender spellings seen across practice
// management systems to a small code set.
func normalizeGender(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	switch s {
	case "m", "male":
		return "male"
	case "f", "female":
		return "female"
	case "", "u", "unknown":
		return "unknown"
	default:
		return "other"
	}
}

func practiceHandler() *Handler {
	return &Handler{
		Type:               TypePractice,
		ExtractType:        "practices",
		SourceTable:        "stg.practice",
		TargetTable:        "core.practice",
		SurrogateKeyColumn: "practice_key",
		BusinessKeyFields:  []string{"practiceId", "perOrgId"},
		FieldMappings: []FieldMapping{
			{SourceField: "practiceId", TargetField: "practiceId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "practiceName", TargetField: "practiceName", Required: true},
			{SourceField: "hpioNumber", TargetField: "hpioNumber"},
			{SourceField: "addressLine1", TargetField: "addressLine1"},
			{SourceField: "suburb", TargetField: "suburb"},
			{SourceField: "state", TargetField: "state", Transform: upperState},
			{SourceField: "postcode", TargetField: "postcode"},
			{SourceField: "phoneNumber", TargetField: "phoneNumber"},
			{SourceField: "email", TargetField: "email"},
			{SourceField: "timezone", TargetField: "timezone", DefaultValue: "Australia/Sydney"},
		},
		SignificantFields:    []string{"practiceName", "hpioNumber", "addressLine1", "suburb", "state", "postcode"},
		NonSignificantFields: []string{"phoneNumber", "email", "timezone"},
		TrackedFields:        []string{"practiceName", "hpioNumber", "addressLine1", "suburb", "state", "postcode"},
		ComparisonRules: map[string]scd2.ComparisonRule{
			"practiceName": {Kind: scd2.RuleSignificant, Weight: 0.35},
			"hpioNumber":   {Kind: scd2.RuleAlwaysVersion, Weight: 0.25},
			"addressLine1": {Kind: scd2.RuleExact, Weight: 0.15},
			"suburb":       {Kind: scd2.RuleExact, Weight: 0.1},
			"state":        {Kind: scd2.RuleExact, Weight: 0.05},
			"postcode":     {Kind: scd2.RuleExact, Weight: 0.1},
			"phoneNumber":  {Kind: scd2.RuleNeverVersion, Weight: 0},
			"email":        {Kind: scd2.RuleNeverVersion, Weight: 0},
		},
		ChangeThreshold: 0.4,
	}
}

func patientHandler() *Handler {
	return &Handler{
		Type:               TypePatient,
		ExtractType:        "patients",
		SourceTable:        "stg.patient",
		TargetTable:        "core.patient",
		SurrogateKeyColumn: "patient_key",
		BusinessKeyFields:  []string{"patientId", "practiceId", "perOrgId"},
		FieldMappings: []FieldMapping{
			{SourceField: "patientId", TargetField: "patientId", Required: true},
			{SourceField: "practiceId", TargetField: "practiceId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "firstName", TargetField: "firstName", Required: true},
			{SourceField: "familyName", TargetField: "familyName", Required: true},
			{SourceField: "dob", TargetField: "dob"},
			{SourceField: "gender", TargetField: "gender", DefaultValue: "unknown", Transform: normalizeGender},
			{SourceField: "medicareNumber", TargetField: "medicareNumber"},
			{SourceField: "atsiStatus", TargetField: "atsiStatus"},
			{SourceField: "deceased", TargetField: "deceased", DefaultValue: false},
			{SourceField: "email", TargetField: "email"},
			{SourceField: "phoneNumber", TargetField: "phoneNumber"},
			{SourceField: "addressLine1", TargetField: "addressLine1"},
			{SourceField: "suburb", TargetField: "suburb"},
			{SourceField: "postcode", TargetField: "postcode"},
		},
		SignificantFields: []string{
			"firstName", "familyName", "dob", "gender", "medicareNumber", "atsiStatus", "deceased",
		},
		NonSignificantFields: []string{"email", "phoneNumber", "addressLine1", "suburb", "postcode"},
		TrackedFields: []string{
			"firstName", "familyName", "dob", "gender", "medicareNumber", "atsiStatus", "deceased",
		},
		ComparisonRules: map[string]scd2.ComparisonRule{
			"firstName":      {Kind: scd2.RuleSignificant, Weight: 0.2},
			"familyName":     {Kind: scd2.RuleSignificant, Weight: 0.2},
			"dob":            {Kind: scd2.RuleAlwaysVersion, Weight: 0.25},
			"gender":         {Kind: scd2.RuleExact, Weight: 0.1},
			"medicareNumber": {Kind: scd2.RuleExact, Weight: 0.15},
			"atsiStatus":     {Kind: scd2.RuleExact, Weight: 0.05},
			"deceased":       {Kind: scd2.RuleAlwaysVersion, Weight: 0.05},
			"email":          {Kind: scd2.RuleNeverVersion, Weight: 0},
			"phoneNumber":    {Kind: scd2.RuleNeverVersion, Weight: 0},
			"addressLine1":   {Kind: scd2.RuleNeverVersion, Weight: 0},
		},
		ChangeThreshold: 0.4,
	}
}

func providerHandler() *Handler {
	return &Handler{
		Type:               TypeProvider,
		ExtractType:        "providers",
		SourceTable:        "stg.provider",
		TargetTable:        "core.provider",
		SurrogateKeyColumn: "provider_key",
		BusinessKeyFields:  []string{"providerId", "practiceId", "perOrgId"},
		FieldMappings: []FieldMapping{
			{SourceField: "providerId", TargetField: "providerId", Required: true},
			{SourceField: "practiceId", TargetField: "practiceId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "firstName", TargetField: "firstName", Required: true},
			{SourceField: "familyName", TargetField: "familyName", Required: true},
			{SourceField: "providerNumber", TargetField: "providerNumber"},
			{SourceField: "ahpraNumber", TargetField: "ahpraNumber"},
			{SourceField: "providerType", TargetField: "providerType", DefaultValue: "gp"},
			{SourceField: "specialty", TargetField: "specialty"},
			{SourceField: "email", TargetField: "email"},
		},
		SignificantFields: []string{
			"firstName", "familyName", "providerNumber", "ahpraNumber", "providerType", "specialty",
		},
		NonSignificantFields: []string{"email"},
		TrackedFields: []string{
			"firstName", "familyName", "providerNumber", "ahpraNumber", "providerType", "specialty",
		},
		ComparisonRules: map[string]scd2.ComparisonRule{
			"firstName":      {Kind: scd2.RuleSignificant, Weight: 0.2},
			"familyName":     {Kind: scd2.RuleSignificant, Weight: 0.2},
			"providerNumber": {Kind: scd2.RuleAlwaysVersion, Weight: 0.3},
			"ahpraNumber":    {Kind: scd2.RuleExact, Weight: 0.2},
			"providerType":   {Kind: scd2.RuleExact, Weight: 0.05},
			"specialty":      {Kind: scd2.RuleExact, Weight: 0.05},
			"email":          {Kind: scd2.RuleNeverVersion, Weight: 0},
		},
		ChangeThreshold: 0.5,
	}
}

func vaccineHandler() *Handler {
	return &Handler{
		Type:               TypeVaccine,
		ExtractType:        "vaccines",
		SourceTable:        "stg.vaccine",
		TargetTable:        "core.vaccine",
		SurrogateKeyColumn: "vaccine_key",
		BusinessKeyFields:  []string{"vaccineCode", "perOrgId"},
		FieldMappings: []FieldMapping{
			{SourceField: "vaccineCode", TargetField: "vaccineCode", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "vaccineName", TargetField: "vaccineName", Required: true},
			{SourceField: "brandName", TargetField: "brandName"},
			{SourceField: "scheduleCode", TargetField: "scheduleCode"},
			{SourceField: "diseaseTargets", TargetField: "diseaseTargets"},
			{SourceField: "isActive", TargetField: "isActive", DefaultValue: true},
		},
		SignificantFields:    []string{"vaccineName", "brandName", "scheduleCode", "diseaseTargets"},
		NonSignificantFields: []string{"isActive"},
		TrackedFields:        []string{"vaccineName", "brandName", "scheduleCode", "diseaseTargets"},
		ComparisonRules: map[string]scd2.ComparisonRule{
			"vaccineName":    {Kind: scd2.RuleSignificant, Weight: 0.4},
			"brandName":      {Kind: scd2.RuleSignificant, Weight: 0.2},
			"scheduleCode":   {Kind: scd2.RuleExact, Weight: 0.2},
			"diseaseTargets": {Kind: scd2.RuleExact, Weight: 0.2},
			"isActive":       {Kind: scd2.RuleNeverVersion, Weight: 0},
		},
		ChangeThreshold: 0.4,
	}
}

func medicineHandler() *Handler {
	return &Handler{
		Type:               TypeMedicine,
		ExtractType:        "medicines",
		SourceTable:        "stg.medicine",
		TargetTable:        "core.medicine",
		SurrogateKeyColumn: "medicine_key",
		BusinessKeyFields:  []string{"medicineCode", "perOrgId"},
		FieldMappings: []FieldMapping{
			{SourceField: "medicineCode", TargetField: "medicineCode", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "medicineName", TargetField: "medicineName", Required: true},
			{SourceField: "genericName", TargetField: "genericName"},
			{SourceField: "form", TargetField: "form"},
			{SourceField: "strength", TargetField: "strength"},
			{SourceField: "pbsCode", TargetField: "pbsCode"},
			{SourceField: "isActive", TargetField: "isActive", DefaultValue: true},
		},
		SignificantFields:    []string{"medicineName", "genericName", "form", "strength", "pbsCode"},
		NonSignificantFields: []string{"isActive"},
		TrackedFields:        []string{"medicineName", "genericName", "form", "strength", "pbsCode"},
		ComparisonRules: map[string]scd2.ComparisonRule{
			"medicineName": {Kind: scd2.RuleSignificant, Weight: 0.35},
			"genericName":  {Kind: scd2.RuleSignificant, Weight: 0.2},
			"form":         {Kind: scd2.RuleExact, Weight: 0.15},
			"strength":     {Kind: scd2.RuleExact, Weight: 0.15},
			"pbsCode":      {Kind: scd2.RuleExact, Weight: 0.15},
			"isActive":     {Kind: scd2.RuleNeverVersion, Weight: 0},
		},
		ChangeThreshold: 0.4,
	}
}
