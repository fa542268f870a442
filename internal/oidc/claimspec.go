package oidc

import "encoding/json"

// ClaimSpec is one member of the OIDC "claims" request parameter: the
// per-claim matching specification described in OIDC Core section 5.5.
// A nil *ClaimSpec means the claim was requested without constraints.
type ClaimSpec struct {
	Essential *bool `json:"essential,omitempty"`
	Value     any   `json:"value,omitempty"`
	Values    []any `json:"values,omitempty"`
}

// EssentialOnly reports whether the spec constrains presence but not content,
// i.e. it carries only the "essential" member.
func (s *ClaimSpec) EssentialOnly() bool {
	return s != nil && s.Essential != nil && s.Value == nil && len(s.Values) == 0
}

// ClaimsRequest is the parsed "claims" authorization request parameter:
// a claim-name → spec map per usage target.
type ClaimsRequest struct {
	UserInfo map[string]*ClaimSpec `json:"userinfo,omitempty"`
	IDToken  map[string]*ClaimSpec `json:"id_token,omitempty"`
}

// ForUsage returns the requested claims for "userinfo" or "id_token".
// Other usages have no request-parameter representation and yield nil.
func (c *ClaimsRequest) ForUsage(usage string) map[string]*ClaimSpec {
	if c == nil {
		return nil
	}
	switch usage {
	case "userinfo":
		return c.UserInfo
	case "id_token":
		return c.IDToken
	}
	return nil
}

// ParseClaimsRequest decodes the JSON value of the "claims" parameter.
func ParseClaimsRequest(raw string) (*ClaimsRequest, error) {
	if raw == "" {
		return nil, nil
	}
	var cr ClaimsRequest
	if err := json.Unmarshal([]byte(raw), &cr); err != nil {
		return nil, err
	}
	return &cr, nil
}

// ACRValues extracts the requested ACR values from the id_token claim spec,
// honoring both the "value" and "values" forms.
func (c *ClaimsRequest) ACRValues() []string {
	if c == nil {
		return nil
	}
	spec, ok := c.IDToken["acr"]
	if !ok || spec == nil {
		return nil
	}
	if spec.Value != nil {
		if s, ok := spec.Value.(string); ok {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, v := range spec.Values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
