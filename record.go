package shelterbase

import (
	"encoding/json"
	"time"
)

// Animal record field names
const (
	FieldName           = "name"
	FieldSpecies        = "species"
	FieldAnimalType     = "type"
	FieldBreed          = "breed"
	FieldColor          = "color"
	FieldAge            = "age"
	FieldAgeWeeks       = "age_upon_outcome_in_weeks"
	FieldSexUponOutcome = "sex_upon_outcome"
	FieldOutcomeType    = "outcome_type"
	FieldOutcomeSubtype = "outcome_subtype"
	FieldAdopted        = "adopted"
	FieldIntakeDate     = "intake_date"
	FieldCity           = "city"
	FieldState          = "state"
	FieldLatitude       = "location_lat"
	FieldLongitude      = "location_long"
	FieldLocation       = "location"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"
)

// OutcomeTypes is the controlled set for outcome_type.
var OutcomeTypes = []string{
	"Adoption",
	"Transfer",
	"Return to Owner",
	"Rto-Adopt",
	"Euthanasia",
	"Died",
	"Disposal",
	"Missing",
	"Relocate",
}

// SexUponOutcome is the controlled set for sex_upon_outcome.
var SexUponOutcome = []string{
	"Intact Male",
	"Intact Female",
	"Neutered Male",
	"Spayed Female",
	"Unknown",
}

// AnimalSchema describes a shelter animal record.
func AnimalSchema() *Schema {
	return &Schema{
		Name: "animal",
		Fields: []FieldRule{
			{Name: FieldSpecies, Type: TypeString, Required: true},
			{Name: FieldName, Type: TypeString, Nullable: true},
			{Name: FieldAnimalType, Type: TypeString, Nullable: true},
			{Name: FieldBreed, Type: TypeString, Nullable: true},
			{Name: FieldColor, Type: TypeString, Nullable: true},
			{Name: FieldAge, Type: TypeInteger, Nullable: true, Min: Bound(0), Max: Bound(50)},
			{Name: FieldAgeWeeks, Type: TypeNumber, Nullable: true, Min: Bound(0)},
			{Name: FieldSexUponOutcome, Type: TypeString, Nullable: true, Enum: SexUponOutcome},
			{Name: FieldOutcomeType, Type: TypeString, Nullable: true, Enum: OutcomeTypes},
			{Name: FieldOutcomeSubtype, Type: TypeString, Nullable: true},
			{Name: FieldAdopted, Type: TypeBool, Nullable: true},
			{Name: FieldIntakeDate, Type: TypeDate, Nullable: true},
			{Name: FieldCity, Type: TypeString, Nullable: true},
			{Name: FieldState, Type: TypeString, Nullable: true},
			{Name: FieldLatitude, Type: TypeNumber, Nullable: true, Min: Bound(-90), Max: Bound(90)},
			{Name: FieldLongitude, Type: TypeNumber, Nullable: true, Min: Bound(-180), Max: Bound(180)},
			{Name: FieldLocation, Type: TypeGeoPoint, Nullable: true},
			{Name: FieldCreatedAt, Type: TypeDate, Nullable: true},
			{Name: FieldUpdatedAt, Type: TypeDate, Nullable: true},
		},
		Before: [][2]string{{FieldCreatedAt, FieldUpdatedAt}},
	}
}

// DefaultMutableFields are the fields Update may touch. Identity, species,
// timestamps and the derived location point are excluded.
func DefaultMutableFields() []string {
	return []string{
		FieldName,
		FieldAnimalType,
		FieldBreed,
		FieldColor,
		FieldAge,
		FieldAgeWeeks,
		FieldSexUponOutcome,
		FieldOutcomeType,
		FieldOutcomeSubtype,
		FieldAdopted,
		FieldIntakeDate,
		FieldCity,
		FieldState,
		FieldLatitude,
		FieldLongitude,
	}
}

// Animal is a typed view of a record for Go callers. Extra columns carried by
// imported datasets are only reachable through Document.
type Animal struct {
	ID             string     `json:"_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	Species        string     `json:"species"`
	Breed          string     `json:"breed,omitempty"`
	Color          string     `json:"color,omitempty"`
	AgeWeeks       *float64   `json:"age_upon_outcome_in_weeks,omitempty"`
	SexUponOutcome string     `json:"sex_upon_outcome,omitempty"`
	OutcomeType    string     `json:"outcome_type,omitempty"`
	OutcomeSubtype string     `json:"outcome_subtype,omitempty"`
	Adopted        *bool      `json:"adopted,omitempty"`
	IntakeDate     *time.Time `json:"intake_date,omitempty"`
	City           string     `json:"city,omitempty"`
	State          string     `json:"state,omitempty"`
	Latitude       *float64   `json:"location_lat,omitempty"`
	Longitude      *float64   `json:"location_long,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// Document converts the typed record into the store representation.
func (a Animal) Document() Document {
	doc := Document{FieldSpecies: a.Species}
	setString := func(k, v string) {
		if v != "" {
			doc[k] = v
		}
	}
	setString(IDField, a.ID)
	setString(FieldName, a.Name)
	setString(FieldBreed, a.Breed)
	setString(FieldColor, a.Color)
	setString(FieldSexUponOutcome, a.SexUponOutcome)
	setString(FieldOutcomeType, a.OutcomeType)
	setString(FieldOutcomeSubtype, a.OutcomeSubtype)
	setString(FieldCity, a.City)
	setString(FieldState, a.State)
	if a.AgeWeeks != nil {
		doc[FieldAgeWeeks] = *a.AgeWeeks
	}
	if a.Adopted != nil {
		doc[FieldAdopted] = *a.Adopted
	}
	if a.IntakeDate != nil {
		doc[FieldIntakeDate] = *a.IntakeDate
	}
	if a.Latitude != nil {
		doc[FieldLatitude] = *a.Latitude
	}
	if a.Longitude != nil {
		doc[FieldLongitude] = *a.Longitude
	}
	if a.CreatedAt != nil {
		doc[FieldCreatedAt] = *a.CreatedAt
	}
	if a.UpdatedAt != nil {
		doc[FieldUpdatedAt] = *a.UpdatedAt
	}
	return doc
}

// AnimalFromDocument decodes the known fields of doc.
func AnimalFromDocument(doc Document) (Animal, error) {
	var a Animal
	data, err := json.Marshal(doc)
	if err != nil {
		return a, Wrap(ErrQuery, err, map[string]interface{}{"_id": doc.ID()})
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, Wrap(ErrQuery, err, map[string]interface{}{"_id": doc.ID()})
	}
	return a, nil
}

// GeoPoint builds the GeoJSON point stored under "location".
func GeoPoint(longitude, latitude float64) map[string]interface{} {
	return map[string]interface{}{
		"type":        "Point",
		"coordinates": []interface{}{longitude, latitude},
	}
}

// PointOf reads the coordinates of a GeoJSON point value.
func PointOf(v interface{}) (longitude, latitude float64, ok bool) {
	m, isMap := asMap(v)
	if !isMap || m["type"] != "Point" {
		return 0, 0, false
	}
	return PointCoordinates(m["coordinates"])
}
