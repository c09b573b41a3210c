package fact

import (
	"fmt"

	"github.com/carelake-io/carelake/internal/dimension"
)

// Fact types known to the merger.
const (
	TypeAppointment   = "appointment"
	TypeImmunisation  = "immunisation"
	TypeInvoice       = "invoice"
	TypeInvoiceDetail = "invoice_detail"
	TypeDiagnosis     = "diagnosis"
	TypeMeasurement   = "measurement"
)

// LoadOrder is the fixed order fact types merge in. Appointments go first:
// the clinical facts carry appointmentId as a degenerate key and downstream
// queries expect the referenced appointment row to exist once the run
// completes.
var LoadOrder = []string{
	TypeAppointment,
	TypeImmunisation,
	TypeInvoice,
	TypeInvoiceDetail,
	TypeDiagnosis,
	TypeMeasurement,
}

// Registry holds the static handler for every fact type.
type Registry struct {
	handlers map[string]*Handler
}

// NewRegistry builds the fact registry and validates every handler.
func NewRegistry() (*Registry, error) {
	handlers := []*Handler{
		appointmentHandler(),
		immunisationHandler(),
		invoiceHandler(),
		invoiceDetailHandler(),
		diagnosisHandler(),
		measurementHandler(),
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

// Handler returns the handler for a fact type.
func (r *Registry) Handler(factType string) (*Handler, error) {
	h, ok := r.handlers[factType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFact, factType)
	}

	return h, nil
}

// Types returns all registered fact types in load order.
func (r *Registry) Types() []string {
	return LoadOrder
}

// Lookup field sets reused across facts; each matches the dimension's
// business key order.
func patientLookup() []string  { return []string{"patientId", "practiceId", "perOrgId"} }
func providerLookup() []string { return []string{"providerId", "practiceId", "perOrgId"} }
func practiceLookup() []string { return []string{"practiceId", "perOrgId"} }

// Required references use the skip strategy: a fact whose patient or practice
// has not been merged yet is dropped and reported in the missing-key summary,
// and picked up by a later run once the dimension lands.

func appointmentHandler() *Handler {
	return &Handler{
		Type:              TypeAppointment,
		ExtractType:       "appointments",
		SourceTable:       "stg.appointment",
		TargetTable:       "core.fact_appointment",
		BusinessKeyFields: []string{"appointmentId", "perOrgId"},
		FieldMappings: []dimension.FieldMapping{
			{SourceField: "appointmentId", TargetField: "appointmentId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "appointmentDate", TargetField: "appointmentDate", Required: true},
			{SourceField: "startTime", TargetField: "startTime"},
			{SourceField: "durationMinutes", TargetField: "durationMinutes"},
			{SourceField: "appointmentType", TargetField: "appointmentType"},
			{SourceField: "status", TargetField: "status", DefaultValue: "booked"},
		},
		Relationships: []FKRelationship{
			{DimType: dimension.TypePatient, FactColumn: "patientKey", LookupFields: patientLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypePractice, FactColumn: "practiceKey", LookupFields: practiceLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypeProvider, FactColumn: "providerKey", LookupFields: providerLookup(), OnMissing: MissingNull},
		},
		Mode: ModeUpsert,
	}
}

func immunisationHandler() *Handler {
	return &Handler{
		Type:              TypeImmunisation,
		ExtractType:       "immunisations",
		SourceTable:       "stg.immunisation",
		TargetTable:       "core.fact_immunisation",
		BusinessKeyFields: []string{"immunisationId", "perOrgId"},
		FieldMappings: []dimension.FieldMapping{
			{SourceField: "immunisationId", TargetField: "immunisationId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "appointmentId", TargetField: "appointmentId"},
			{SourceField: "administeredAt", TargetField: "administeredAt", Required: true},
			{SourceField: "doseNumber", TargetField: "doseNumber"},
			{SourceField: "batchNumber", TargetField: "batchNumber"},
			{SourceField: "site", TargetField: "site"},
			{SourceField: "route", TargetField: "route"},
		},
		Relationships: []FKRelationship{
			{DimType: dimension.TypePatient, FactColumn: "patientKey", LookupFields: patientLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypePractice, FactColumn: "practiceKey", LookupFields: practiceLookup(), Required: true, OnMissing: MissingSkip},
			// Historical extracts reference retired vaccine codes; those rows
			// are dropped and reported rather than failing the run.
			{DimType: dimension.TypeVaccine, FactColumn: "vaccineKey", LookupFields: []string{"vaccineCode", "perOrgId"}, Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypeProvider, FactColumn: "providerKey", LookupFields: providerLookup(), OnMissing: MissingNull},
		},
		Mode: ModeUpsert,
	}
}

func invoiceHandler() *Handler {
	return &Handler{
		Type:              TypeInvoice,
		ExtractType:       "invoices",
		SourceTable:       "stg.invoice",
		TargetTable:       "core.fact_invoice",
		BusinessKeyFields: []string{"invoiceId", "perOrgId"},
		FieldMappings: []dimension.FieldMapping{
			{SourceField: "invoiceId", TargetField: "invoiceId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "appointmentId", TargetField: "appointmentId"},
			{SourceField: "invoiceDate", TargetField: "invoiceDate", Required: true},
			{SourceField: "totalAmount", TargetField: "totalAmount", Required: true},
			{SourceField: "amountPaid", TargetField: "amountPaid", DefaultValue: 0.0},
			{SourceField: "status", TargetField: "status", DefaultValue: "issued"},
		},
		Relationships: []FKRelationship{
			{DimType: dimension.TypePatient, FactColumn: "patientKey", LookupFields: patientLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypePractice, FactColumn: "practiceKey", LookupFields: practiceLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypeProvider, FactColumn: "providerKey", LookupFields: providerLookup(), OnMissing: MissingNull},
		},
		Mode: ModeUpsert,
	}
}

func invoiceDetailHandler() *Handler {
	return &Handler{
		Type:              TypeInvoiceDetail,
		ExtractType:       "invoice_details",
		SourceTable:       "stg.invoice_detail",
		TargetTable:       "core.fact_invoice_detail",
		BusinessKeyFields: []string{"invoiceDetailId", "perOrgId"},
		FieldMappings: []dimension.FieldMapping{
			{SourceField: "invoiceDetailId", TargetField: "invoiceDetailId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "invoiceId", TargetField: "invoiceId", Required: true},
			{SourceField: "itemCode", TargetField: "itemCode"},
			{SourceField: "description", TargetField: "description"},
			{SourceField: "quantity", TargetField: "quantity", DefaultValue: 1.0},
			{SourceField: "unitPrice", TargetField: "unitPrice"},
			{SourceField: "lineTotal", TargetField: "lineTotal"},
		},
		Relationships: []FKRelationship{
			{DimType: dimension.TypePractice, FactColumn: "practiceKey", LookupFields: practiceLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypeMedicine, FactColumn: "medicineKey", LookupFields: []string{"medicineCode", "perOrgId"}, OnMissing: MissingNull},
		},
		Mode: ModeUpsert,
	}
}

func diagnosisHandler() *Handler {
	return &Handler{
		Type:              TypeDiagnosis,
		ExtractType:       "diagnoses",
		SourceTable:       "stg.diagnosis",
		TargetTable:       "core.fact_diagnosis",
		BusinessKeyFields: []string{"diagnosisId", "perOrgId"},
		FieldMappings: []dimension.FieldMapping{
			{SourceField: "diagnosisId", TargetField: "diagnosisId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "appointmentId", TargetField: "appointmentId"},
			{SourceField: "diagnosisDate", TargetField: "diagnosisDate", Required: true},
			{SourceField: "snomedCode", TargetField: "snomedCode"},
			{SourceField: "description", TargetField: "description"},
			{SourceField: "status", TargetField: "status", DefaultValue: "active"},
		},
		Relationships: []FKRelationship{
			{DimType: dimension.TypePatient, FactColumn: "patientKey", LookupFields: patientLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypePractice, FactColumn: "practiceKey", LookupFields: practiceLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypeProvider, FactColumn: "providerKey", LookupFields: providerLookup(), OnMissing: MissingNull},
		},
		Mode: ModeUpsert,
	}
}

func measurementHandler() *Handler {
	return &Handler{
		Type:              TypeMeasurement,
		ExtractType:       "measurements",
		SourceTable:       "stg.measurement",
		TargetTable:       "core.fact_measurement",
		BusinessKeyFields: []string{"measurementId", "perOrgId"},
		FieldMappings: []dimension.FieldMapping{
			{SourceField: "measurementId", TargetField: "measurementId", Required: true},
			{SourceField: "perOrgId", TargetField: "perOrgId", Required: true},
			{SourceField: "measuredAt", TargetField: "measuredAt", Required: true},
			{SourceField: "measurementType", TargetField: "measurementType", Required: true},
			{SourceField: "value", TargetField: "value"},
			{SourceField: "unit", TargetField: "unit"},
		},
		Relationships: []FKRelationship{
			{DimType: dimension.TypePatient, FactColumn: "patientKey", LookupFields: patientLookup(), Required: true, OnMissing: MissingSkip},
			{DimType: dimension.TypePractice, FactColumn: "practiceKey", LookupFields: practiceLookup(), Required: true, OnMissing: MissingSkip},
		},
		Mode: ModeUpsert,
	}
}
