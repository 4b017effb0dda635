// Package validation checks request input before it reaches the services.
// Struct rules are declared as `validate` tags and run through a shared
// go-playground validator.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
)

const (
	DefaultSearchLimit = 5
	MaxSearchLimit     = 10
	MaxQueryLength     = 100
	// MaxBatchSize bounds one batch request; each item may cost an upstream call.
	MaxBatchSize = 50
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrQueryEmpty         = errors.New("query is required")
	ErrQueryTooLong       = errors.New("query too long")
	ErrInvalidLimit       = errors.New("limit must be between 1 and 10")
	ErrInvalidFavorite    = errors.New("invalid favorite city")
	ErrEmptyBatch         = errors.New("locations are required")
	ErrBatchTooLarge      = errors.New("too many locations")
	ErrInvalidCityIDs     = errors.New("cityIds must be non-empty strings")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SearchRequest is a normalized city search.
type SearchRequest struct {
	Query string `validate:"required"`
	Limit int    `validate:"gte=1,lte=10"`
}

// ValidateCoordinates checks lat in [-90,90] and lon in [-180,180].
func ValidateCoordinates(c models.Coordinates) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCoordinates, describe(err))
	}
	return nil
}

// ValidateSearch trims query and parses the raw limit parameter. An absent
// limit takes the default; an explicit limit must be an integer in 1..10.
// The trimmed query must be 1..100 characters.
func ValidateSearch(query, limit string) (SearchRequest, error) {
	req := SearchRequest{Query: strings.TrimSpace(query), Limit: DefaultSearchLimit}
	if limit = strings.TrimSpace(limit); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return SearchRequest{}, ErrInvalidLimit
		}
		req.Limit = n
	}
	if req.Query == "" {
		return SearchRequest{}, ErrQueryEmpty
	}
	if utf8.RuneCountInString(req.Query) > MaxQueryLength {
		return SearchRequest{}, ErrQueryTooLong
	}
	if err := validate.Struct(req); err != nil {
		return SearchRequest{}, ErrInvalidLimit
	}
	return req, nil
}

// ValidateFavorite checks required display fields and that both coordinates
// are present and in range.
// Leading and trailing whitespace is removed from the string fields.
func ValidateFavorite(in models.FavoriteInput) (models.FavoriteInput, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	in.Country = strings.TrimSpace(in.Country)
	in.State = strings.TrimSpace(in.State)
	if err := validate.Struct(in); err != nil {
		return models.FavoriteInput{}, fmt.Errorf("%w: %s", ErrInvalidFavorite, describe(err))
	}
	return in, nil
}

// ValidateBatch checks every location and the batch size.
func ValidateBatch(locs []models.Coordinates) error {
	if len(locs) == 0 {
		return ErrEmptyBatch
	}
	if len(locs) > MaxBatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(locs), MaxBatchSize)
	}
	for i, c := range locs {
		if err := ValidateCoordinates(c); err != nil {
			return fmt.Errorf("locations[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateCityIDs rejects empty ids. Whether the ids match the stored
// favorites is decided by the favorites service.
func ValidateCityIDs(ids []string) error {
	if ids == nil {
		return ErrInvalidCityIDs
	}
	if err := validate.Var(ids, "dive,required"); err != nil {
		return ErrInvalidCityIDs
	}
	return nil
}

// describe flattens validator errors into "field rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}
