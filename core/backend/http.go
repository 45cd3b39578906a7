package backend

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core"
	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/logger"
	"github.com/juaninavos/jerseymarket/core/market"
)

// errors of the persistence layer which map to http status codes
var (
	errNotFound     = errors.New("not found")
	errConflict     = errors.New("conflict")
	errForbidden    = errors.New("forbidden")
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("not authorized")

	// errUnprocessable is a well-formed request which cannot be applied, e.g. an unknown discount code
	errUnprocessable = errors.New("unprocessable")
)

// maxBodySize limits request bodies
const maxBodySize = 1 << 20

var validate = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names in validation errors
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// statusForError maps domain and persistence errors to http status codes
func statusForError(err error) int {
	var tooLow *market.BidTooLowError
	switch {
	case errors.As(err, &tooLow):
		return http.StatusConflict
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden),
		errors.Is(err, market.ErrOwnAuction),
		errors.Is(err, market.ErrOwnListing):
		return http.StatusForbidden
	case errors.Is(err, errConflict),
		errors.Is(err, market.ErrAuctionNotActive),
		errors.Is(err, market.ErrAlreadyWinning),
		errors.Is(err, market.ErrConcurrentBid),
		errors.Is(err, market.ErrAuctionHasBids),
		errors.Is(err, market.ErrJerseyNotAvailable),
		errors.Is(err, market.ErrInsufficientStock),
		errors.Is(err, market.ErrJerseyLocked),
		errors.Is(err, market.ErrAlreadyPaid):
		return http.StatusConflict
	case errors.Is(err, errUnprocessable),
		errors.Is(err, market.ErrDiscountInactive),
		errors.Is(err, market.ErrDiscountExpired),
		errors.Is(err, market.ErrDiscountNotYetValid),
		errors.Is(err, market.ErrDiscountExhausted),
		errors.Is(err, market.ErrDiscountMinimumOrder):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, market.ErrInvalidWindow),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidQuantity),
		errors.Is(err, market.ErrDiscountInvalid),
		errors.Is(err, access.ErrPasswordTooShort),
		errors.Is(err, access.ErrPasswordTooLong):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError reports err to the client. Internal errors are logged with the numbered
// code and the client only sees the code.
func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorln(core.ErrorCode(code, "internal error"))
		http.Error(w, core.ErrorCode(code, ""), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	jsonData, _ := json.Marshal(value)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// decodeBody reads a JSON request body into value and validates its struct tags
func decodeBody(r *http.Request, value interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: cannot read body: %s", errBadRequest, err.Error())
	}
	if err := json.Unmarshal(body, value); err != nil {
		return fmt.Errorf("%w: invalid json: %s", errBadRequest, err.Error())
	}
	if err := validate.Struct(value); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			var messages []string
			for _, fe := range validationErrors {
				message := fmt.Sprintf("'%s' failed on '%s'", fe.Field(), fe.Tag())
				if len(fe.Param()) > 0 {
					message += "=" + fe.Param()
				}
				messages = append(messages, message)
			}
			return fmt.Errorf("%w: %s", errBadRequest, strings.Join(messages, ", "))
		}
		return fmt.Errorf("%w: %s", errBadRequest, err.Error())
	}
	return nil
}

// pathID parses the uuid route variable name
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return id, nil
}

// callerID returns the account ID of the authenticated caller
func callerID(r *http.Request) (uuid.UUID, *access.Authorization, error) {
	auth := access.AuthorizationFromContext(r.Context())
	accountID, ok := auth.AccountID()
	if !ok {
		return uuid.Nil, auth, errUnauthorized
	}
	return accountID, auth, nil
}

// requireAdmin writes http.StatusUnauthorized and returns false if the caller is not an admin
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.HasRole(access.RoleAdmin) {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	value := r.URL.Query().Get(name)
	if len(value) == 0 {
		return nil, nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: parameter '%s': %s", errBadRequest, name, err.Error())
	}
	return &i, nil
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	value := r.URL.Query().Get(name)
	if len(value) == 0 {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("%w: parameter '%s': %s", errBadRequest, name, err.Error())
	}
	return &id, nil
}
