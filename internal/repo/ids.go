package repo

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrInvalidID indicates an identifier could not be parsed as a UUID.
var ErrInvalidID = errors.New("invalid id")

func uuidValue(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, errors.Join(ErrInvalidID, err)
	}
	var v pgtype.UUID
	v.Bytes = parsed
	v.Valid = true
	return v, nil
}

// optionalUUID maps an empty id to SQL NULL.
func optionalUUID(id string) (pgtype.UUID, error) {
	if id == "" {
		return pgtype.UUID{}, nil
	}
	return uuidValue(id)
}
