// Package addr parses and builds parsec:// addresses: organization
// addresses and the action addresses used by invitation links, file
// links, bootstrap and PKI enrollment.
package addr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
)

const Scheme = "parsec"

// Each malformation kind gets its own error so callers can tell them
// apart.
var (
	ErrBadScheme           = errors.New("addr: url scheme must be parsec")
	ErrBadHost             = errors.New("addr: missing or invalid host")
	ErrMissingOrganization = errors.New("addr: missing organization id in path")
	ErrBadOrganizationID   = errors.New("addr: invalid organization id")
	ErrBadNoSSLParam       = errors.New("addr: invalid no_ssl parameter")
	ErrBadRVKParam         = errors.New("addr: invalid rvk parameter")
	ErrUnknownAction       = errors.New("addr: unknown action")
	ErrMissingToken        = errors.New("addr: missing or invalid token parameter")
	ErrMissingWorkspace    = errors.New("addr: missing or invalid workspace_id parameter")
	ErrMissingPath         = errors.New("addr: missing path parameter")
)

// Action discriminates action addresses.
type Action string

const (
	ActionBootstrapOrganization Action = "bootstrap_organization"
	ActionClaimUser             Action = "claim_user"
	ActionClaimDevice           Action = "claim_device"
	ActionFileLink              Action = "file_link"
	ActionPkiEnrollment         Action = "pki_enrollment"
)

// OrganizationAddr locates an organization on a backend.
type OrganizationAddr struct {
	Host           string
	Port           int // 0 means default (443 with ssl, 80 without)
	UseSSL         bool
	OrganizationID apitypes.OrganizationID
	// RootVerifyKey is the expected Ed25519 root key, when the rvk
	// query parameter is present.
	RootVerifyKey []byte
}

// ActionAddr is an organization address plus an action and its
// parameters.
type ActionAddr struct {
	OrganizationAddr
	Action         Action
	Token          uuid.UUID // claim_* / pki_enrollment; bootstrap carries it as a string
	BootstrapToken string
	WorkspaceID    uuid.UUID // file_link
	Path           string    // file_link, percent-decoded
}

func parseCommon(raw string) (*url.URL, OrganizationAddr, error) {
	var out OrganizationAddr
	u, err := url.Parse(raw)
	if err != nil {
		return nil, out, fmt.Errorf("%w: %v", ErrBadScheme, err)
	}
	if u.Scheme != Scheme {
		return nil, out, ErrBadScheme
	}
	host := u.Hostname()
	if host == "" {
		return nil, out, ErrBadHost
	}
	out.Host = host
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, out, ErrBadHost
		}
		out.Port = port
	}

	// no_ssl absent means ssl on.
	out.UseSSL = true
	if vals, ok := u.Query()["no_ssl"]; ok {
		if len(vals) != 1 {
			return nil, out, ErrBadNoSSLParam
		}
		switch strings.ToLower(vals[0]) {
		case "true":
			out.UseSSL = false
		case "false":
			out.UseSSL = true
		default:
			return nil, out, ErrBadNoSSLParam
		}
	}

	if rvk := u.Query().Get("rvk"); rvk != "" {
		key, err := base64.RawURLEncoding.DecodeString(rvk)
		if err != nil || len(key) != 32 {
			return nil, out, ErrBadRVKParam
		}
		out.RootVerifyKey = key
	}

	rawOrg := strings.Trim(u.EscapedPath(), "/")
	if rawOrg == "" {
		return nil, out, ErrMissingOrganization
	}
	unescaped, err := url.PathUnescape(rawOrg)
	if err != nil {
		return nil, out, ErrBadOrganizationID
	}
	org, err := apitypes.NewOrganizationID(unescaped)
	if err != nil {
		return nil, out, ErrBadOrganizationID
	}
	out.OrganizationID = org
	return u, out, nil
}

// ParseOrganizationAddr parses a plain organization address.
func ParseOrganizationAddr(raw string) (OrganizationAddr, error) {
	u, out, err := parseCommon(raw)
	if err != nil {
		return OrganizationAddr{}, err
	}
	if u.Query().Get("action") != "" {
		return OrganizationAddr{}, fmt.Errorf("%w: organization address carries an action", ErrUnknownAction)
	}
	return out, nil
}

// ParseActionAddr parses an action address and its action-specific
// parameters.
func ParseActionAddr(raw string) (ActionAddr, error) {
	u, org, err := parseCommon(raw)
	if err != nil {
		return ActionAddr{}, err
	}
	out := ActionAddr{OrganizationAddr: org}
	q := u.Query()

	switch Action(q.Get("action")) {
	case ActionBootstrapOrganization:
		out.Action = ActionBootstrapOrganization
		out.BootstrapToken = q.Get("token")
		if out.BootstrapToken == "" {
			return ActionAddr{}, ErrMissingToken
		}
	case ActionClaimUser, ActionClaimDevice:
		out.Action = Action(q.Get("action"))
		token, err := uuid.Parse(q.Get("token"))
		if err != nil {
			return ActionAddr{}, ErrMissingToken
		}
		out.Token = token
	case ActionPkiEnrollment:
		out.Action = ActionPkiEnrollment
	case ActionFileLink:
		out.Action = ActionFileLink
		ws, err := uuid.Parse(q.Get("workspace_id"))
		if err != nil {
			return ActionAddr{}, ErrMissingWorkspace
		}
		out.WorkspaceID = ws
		rawPath := q.Get("path")
		if rawPath == "" {
			return ActionAddr{}, ErrMissingPath
		}
		path, err := url.QueryUnescape(rawPath)
		if err != nil {
			return ActionAddr{}, ErrMissingPath
		}
		out.Path = path
	default:
		return ActionAddr{}, ErrUnknownAction
	}
	return out, nil
}

// String renders the organization address back to its canonical URL.
func (a OrganizationAddr) String() string {
	u := url.URL{Scheme: Scheme, Host: a.hostPort(), Path: "/" + url.PathEscape(string(a.OrganizationID))}
	q := url.Values{}
	if !a.UseSSL {
		q.Set("no_ssl", "true")
	}
	if len(a.RootVerifyKey) > 0 {
		q.Set("rvk", base64.RawURLEncoding.EncodeToString(a.RootVerifyKey))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (a OrganizationAddr) hostPort() string {
	if a.Port == 0 {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// FromRedirect rewrites an /api/redirect/<path>?<query> HTTP request into
// the equivalent parsec:// URL served by this backend.
func FromRedirect(host string, useSSL bool, path string, query url.Values) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ErrMissingOrganization
	}
	q := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if !useSSL {
		q.Set("no_ssl", "true")
	}
	u := url.URL{Scheme: Scheme, Host: host, Path: "/" + path, RawQuery: q.Encode()}
	return u.String(), nil
}
