// Package address validates spoken street addresses against the USPS
// address API, with an offline heuristic fallback so a validator outage
// never blocks a live call.
package address

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/careline/careline/pkg/errorsx"
	"github.com/careline/careline/pkg/extract"
	"github.com/careline/careline/pkg/logging"
)

// ErrUnavailable signals the upstream validator could not be reached.
// Handlers catch it and accept the address unverified.
var ErrUnavailable = errors.New("address validator unavailable")

// Result is the validator verdict for one address.
type Result struct {
	Validated bool
	Street    string
	City      string
	State     string
	Zip       string
	Message   string
}

// Validator checks one parsed address. Implementations must not panic on
// malformed input and must surface outages as ErrUnavailable.
type Validator interface {
	Validate(ctx context.Context, street, city, state, zip string) (Result, error)
}

// USPSValidator calls the USPS Web Tools address verify endpoint.
type USPSValidator struct {
	userID   string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

const uspsEndpoint = "https://secure.shippingapis.com/ShippingAPI.dll"

// NewUSPSValidator builds a validator sharing the given HTTP client. A nil
// client gets a 5 second timeout of its own; pools are expected to be
// process-wide, not per-call.
func NewUSPSValidator(userID string, client *http.Client, base *slog.Logger) *USPSValidator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if base == nil {
		base = slog.Default()
	}
	return &USPSValidator{
		userID:   userID,
		endpoint: uspsEndpoint,
		client:   client,
		logger:   logging.NewComponentLogger(base, "address_validator"),
	}
}

type uspsResponse struct {
	Address struct {
		Address2 string `xml:"Address2"`
		City     string `xml:"City"`
		State    string `xml:"State"`
		Zip5     string `xml:"Zip5"`
		Zip4     string `xml:"Zip4"`
		Error    struct {
			Description string `xml:"Description"`
		} `xml:"Error"`
	} `xml:"Address"`
	Error struct {
		Description string `xml:"Description"`
	} `xml:"Error"`
}

func (v *USPSValidator) Validate(ctx context.Context, street, city, state, zip string) (Result, error) {
	reqXML := fmt.Sprintf(
		`<AddressValidateRequest USERID=%q><Revision>1</Revision><Address ID="0"><Address1/><Address2>%s</Address2><City>%s</City><State>%s</State><Zip5>%s</Zip5><Zip4/></Address></AddressValidateRequest>`,
		v.userID, xmlEscape(street), xmlEscape(city), xmlEscape(state), xmlEscape(zip))

	q := url.Values{}
	q.Set("API", "Verify")
	q.Set("XML", reqXML)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAddressValidate)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("usps_unreachable", "error", err)
		return Result{}, ErrUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		v.logger.Warn("usps_bad_status", "status", resp.StatusCode)
		return Result{}, ErrUnavailable
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Result{}, ErrUnavailable
	}

	var parsed uspsResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		v.logger.Warn("usps_bad_payload", "error", err)
		return Result{}, ErrUnavailable
	}
	if parsed.Error.Description != "" {
		return Result{}, ErrUnavailable
	}
	if desc := parsed.Address.Error.Description; desc != "" {
		return Result{Validated: false, Message: strings.TrimSpace(desc)}, nil
	}

	zipOut := parsed.Address.Zip5
	if parsed.Address.Zip4 != "" {
		zipOut += "-" + parsed.Address.Zip4
	}
	return Result{
		Validated: true,
		Street:    titleCase(parsed.Address.Address2),
		City:      titleCase(parsed.Address.City),
		State:     strings.ToUpper(parsed.Address.State),
		Zip:       zipOut,
		Message:   "verified",
	}, nil
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return ""
	}
	return b.String()
}

// MockValidator applies offline plausibility checks. Used in development
// and as the implicit behavior callers fall back to on ErrUnavailable.
type MockValidator struct{}

var placeholderAddresses = []string{"123 main", "test address", "asdf", "none", "n/a"}

func (MockValidator) Validate(_ context.Context, street, city, state, zip string) (Result, error) {
	var problems []string
	low := strings.ToLower(street)
	for _, p := range placeholderAddresses {
		if strings.Contains(low, p) {
			problems = append(problems, "placeholder street address")
			break
		}
	}
	if len(street) < 5 || !extract.HasDigits(street) {
		problems = append(problems, "street number missing")
	}
	if len(city) < 2 {
		problems = append(problems, "city missing")
	}
	if !extract.IsUSState(state) {
		problems = append(problems, "unknown state")
	}
	if d := extract.Digits(zip); len(d) != 5 && len(d) != 9 {
		problems = append(problems, "invalid ZIP")
	}
	if len(problems) > 0 {
		return Result{Validated: false, Message: strings.Join(problems, "; ")}, nil
	}
	return Result{
		Validated: true,
		Street:    titleCase(street),
		City:      titleCase(city),
		State:     strings.ToUpper(state),
		Zip:       zip,
		Message:   "verified",
	}, nil
}
