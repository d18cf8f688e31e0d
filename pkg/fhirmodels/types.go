package fhirmodels

// Common FHIR value set constants used across the application.

// Resource type tags for the types the reconciliation engine carries
// built-in match definitions for. Any other type falls back to the
// default definition.
const (
	TypePatient             = "Patient"
	TypeMedication          = "Medication"
	TypeMedicationOrder     = "MedicationOrder"
	TypeMedicationStatement = "MedicationStatement"
	TypeObservation         = "Observation"
	TypeImmunization        = "Immunization"
	TypeAllergyIntolerance  = "AllergyIntolerance"
	TypeCondition           = "Condition"
	TypeProcedure           = "Procedure"
	TypePractitioner        = "Practitioner"
	TypeProvenance          = "Provenance"
	TypeBundle              = "Bundle"
)

// Extension URLs forming the reconciliation wire contract. The mismatch
// marker carries the id of a record that must never be matched against;
// the source marker carries provenance sub-extensions.
const (
	ExtMismatch          = "http://ehr.org/fhir/StructureDefinition/mismatch"
	ExtSource            = "http://ehr.org/fhir/StructureDefinition/source"
	ExtSourceDate        = "http://ehr.org/fhir/StructureDefinition/source/date"
	ExtSourceReference   = "http://ehr.org/fhir/StructureDefinition/source/reference"
	ExtSourceDescription = "http://ehr.org/fhir/StructureDefinition/source/description"
)

// Bundle type codes per FHIR R4.
const (
	BundleTypeSearchset           = "searchset"
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeCollection          = "collection"
)

// HTTP methods carried in transaction bundle entries.
const (
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)
