package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

// DateLayout is the wire format for birth dates.
const DateLayout = "2006-01-02"

// Patient maps to the patient table.
type Patient struct {
	ID                    uuid.UUID `db:"id" json:"id"`
	MRN                   string    `db:"mrn" json:"mrn"`
	FirstName             string    `db:"first_name" json:"first_name"`
	LastName              string    `db:"last_name" json:"last_name"`
	MiddleName            *string   `db:"middle_name" json:"middle_name,omitempty"`
	BirthDate             time.Time `db:"birth_date" json:"-"`
	Gender                string    `db:"gender" json:"gender"`
	Phone                 *string   `db:"phone" json:"phone,omitempty"`
	Email                 *string   `db:"email" json:"email,omitempty"`
	NationalID            *string   `db:"national_id" json:"national_id,omitempty"`
	Address               *string   `db:"address" json:"address,omitempty"`
	BloodGroup            *string   `db:"blood_group" json:"blood_group,omitempty"`
	EmergencyContactName  *string   `db:"emergency_contact_name" json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone *string   `db:"emergency_contact_phone" json:"emergency_contact_phone,omitempty"`
	Active                bool      `db:"active" json:"active"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`

	BirthDateText string `db:"-" json:"birth_date"`
	Age           int    `db:"-" json:"age"`
}

// FullName joins first, middle and last names.
func (p *Patient) FullName() string {
	parts := []string{p.FirstName}
	if p.MiddleName != nil && *p.MiddleName != "" {
		parts = append(parts, *p.MiddleName)
	}
	parts = append(parts, p.LastName)
	return strings.Join(parts, " ")
}

// fill sets the derived JSON fields.
func (p *Patient) fill(now time.Time) {
	p.BirthDateText = p.BirthDate.Format(DateLayout)
	p.Age = AgeAt(p.BirthDate, now)
}

// AgeAt returns completed years between dob and now.
func AgeAt(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// FormatMRN renders a medical record number, e.g. MRN-2026-000042.
func FormatMRN(year, seq int) string {
	return fmt.Sprintf("MRN-%d-%06d", year, seq)
}

var genders = map[string]bool{"male": true, "female": true, "other": true, "unknown": true}

var bloodGroups = map[string]bool{
	"A+": true, "A-": true, "B+": true, "B-": true,
	"AB+": true, "AB-": true, "O+": true, "O-": true,
}

// Input is the registration and update payload.
type Input struct {
	FirstName             string  `json:"first_name"`
	LastName              string  `json:"last_name"`
	MiddleName            *string `json:"middle_name"`
	BirthDate             string  `json:"birth_date"`
	Gender                string  `json:"gender"`
	Phone                 *string `json:"phone"`
	Email                 *string `json:"email"`
	NationalID            *string `json:"national_id"`
	Address               *string `json:"address"`
	BloodGroup            *string `json:"blood_group"`
	EmergencyContactName  *string `json:"emergency_contact_name"`
	EmergencyContactPhone *string `json:"emergency_contact_phone"`
}

// Validate normalises the input and returns it as a Patient. now bounds the
// birth date.
func (in *Input) Validate(now time.Time) (*Patient, error) {
	fields := map[string]string{}
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	gender := strings.ToLower(strings.TrimSpace(in.Gender))
	if first == "" {
		fields["first_name"] = "is required"
	}
	if last == "" {
		fields["last_name"] = "is required"
	}
	if !genders[gender] {
		fields["gender"] = "must be one of male, female, other, unknown"
	}

	var dob time.Time
	if in.BirthDate == "" {
		fields["birth_date"] = "is required"
	} else if d, err := time.Parse(DateLayout, strings.TrimSpace(in.BirthDate)); err != nil {
		fields["birth_date"] = "must be a date in YYYY-MM-DD format"
	} else if d.After(now) {
		fields["birth_date"] = "must not be in the future"
	} else {
		dob = d
	}

	email := trimmed(in.Email)
	if email != nil && !strings.Contains(*email, "@") {
		fields["email"] = "is not a valid email address"
	}
	blood := trimmed(in.BloodGroup)
	if blood != nil {
		up := strings.ToUpper(*blood)
		blood = &up
		if !bloodGroups[up] {
			fields["blood_group"] = "is not a recognised blood group"
		}
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid patient details", fields)
	}

	return &Patient{
		FirstName:             first,
		LastName:              last,
		MiddleName:            trimmed(in.MiddleName),
		BirthDate:             dob,
		Gender:                gender,
		Phone:                 normalisePhone(in.Phone),
		Email:                 email,
		NationalID:            trimmed(in.NationalID),
		Address:               trimmed(in.Address),
		BloodGroup:            blood,
		EmergencyContactName:  trimmed(in.EmergencyContactName),
		EmergencyContactPhone: normalisePhone(in.EmergencyContactPhone),
		Active:                true,
	}, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// normalisePhone strips formatting so "0712 345-678" and "0712345678"
// compare equal in duplicate checks.
func normalisePhone(s *string) *string {
	v := trimmed(s)
	if v == nil {
		return nil
	}
	var b strings.Builder
	for i, r := range *v {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return nil
	}
	return &out
}
