package addr

import (
	"encoding/base64"
	"errors"
	"net/url"
	"testing"

	"github.com/google/uuid"
)

func TestParseOrganizationAddr(t *testing.T) {
	a, err := ParseOrganizationAddr("parsec://example.com:6777/MyOrg?no_ssl=true")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Host != "example.com" || a.Port != 6777 {
		t.Errorf("host:port = %s:%d", a.Host, a.Port)
	}
	if a.UseSSL {
		t.Error("no_ssl=true should disable ssl")
	}
	if a.OrganizationID != "MyOrg" {
		t.Errorf("org = %q", a.OrganizationID)
	}
}

func TestParseOrganizationAddrSSLDefault(t *testing.T) {
	a, err := ParseOrganizationAddr("parsec://example.com/MyOrg")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !a.UseSSL {
		t.Error("absent no_ssl should mean ssl on")
	}
	if a.Port != 0 {
		t.Errorf("port = %d, want 0 (default)", a.Port)
	}
}

func TestParseOrganizationAddrRVK(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	raw := "parsec://example.com/Org?rvk=" + base64.RawURLEncoding.EncodeToString(key)
	a, err := ParseOrganizationAddr(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(a.RootVerifyKey) != 32 || a.RootVerifyKey[5] != 5 {
		t.Errorf("rvk = %x", a.RootVerifyKey)
	}
}

func TestParseErrorsAreDistinguishable(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{"http://example.com/Org", ErrBadScheme},
		{"parsec:///Org", ErrBadHost},
		{"parsec://example.com/", ErrMissingOrganization},
		{"parsec://example.com/Bad:Org", ErrBadOrganizationID},
		{"parsec://example.com/Org?no_ssl=maybe", ErrBadNoSSLParam},
		{"parsec://example.com/Org?rvk=!!!", ErrBadRVKParam},
	}
	for _, tc := range cases {
		if _, err := ParseOrganizationAddr(tc.raw); !errors.Is(err, tc.want) {
			t.Errorf("ParseOrganizationAddr(%q) = %v, want %v", tc.raw, err, tc.want)
		}
	}
}

func TestParseActionAddrClaimUser(t *testing.T) {
	token := uuid.New()
	raw := "parsec://example.com/Org?action=claim_user&token=" + token.String()
	a, err := ParseActionAddr(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Action != ActionClaimUser || a.Token != token {
		t.Errorf("action = %q token = %v", a.Action, a.Token)
	}
}

func TestParseActionAddrBootstrap(t *testing.T) {
	raw := "parsec://example.com/Org?action=bootstrap_organization&token=abc123"
	a, err := ParseActionAddr(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Action != ActionBootstrapOrganization || a.BootstrapToken != "abc123" {
		t.Errorf("action = %q token = %q", a.Action, a.BootstrapToken)
	}
}

func TestParseActionAddrFileLinkPercentDecodesPath(t *testing.T) {
	ws := uuid.New()
	raw := "parsec://example.com/Org?action=file_link&workspace_id=" + ws.String() + "&path=%2Fdir%2Fmy%20file.txt"
	a, err := ParseActionAddr(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.WorkspaceID != ws {
		t.Errorf("workspace = %v", a.WorkspaceID)
	}
	if a.Path != "/dir/my file.txt" {
		t.Errorf("path = %q", a.Path)
	}
}

func TestParseActionAddrErrors(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{"parsec://example.com/Org?action=fly_to_the_moon", ErrUnknownAction},
		{"parsec://example.com/Org", ErrUnknownAction},
		{"parsec://example.com/Org?action=claim_user&token=not-a-uuid", ErrMissingToken},
		{"parsec://example.com/Org?action=file_link", ErrMissingWorkspace},
		{"parsec://example.com/Org?action=file_link&workspace_id=" + uuid.New().String(), ErrMissingPath},
	}
	for _, tc := range cases {
		if _, err := ParseActionAddr(tc.raw); !errors.Is(err, tc.want) {
			t.Errorf("ParseActionAddr(%q) = %v, want %v", tc.raw, err, tc.want)
		}
	}
}

func TestOrganizationAddrString(t *testing.T) {
	a := OrganizationAddr{Host: "example.com", Port: 6777, UseSSL: false, OrganizationID: "Org"}
	parsed, err := ParseOrganizationAddr(a.String())
	if err != nil {
		t.Fatalf("round trip parse: %v", err)
	}
	if parsed.Host != a.Host || parsed.Port != a.Port || parsed.UseSSL != a.UseSSL || parsed.OrganizationID != a.OrganizationID {
		t.Errorf("round trip = %+v, want %+v", parsed, a)
	}
}

func TestFromRedirect(t *testing.T) {
	q := url.Values{}
	q.Set("action", "claim_user")
	q.Set("token", uuid.New().String())
	got, err := FromRedirect("example.com:6777", false, "/Org", q)
	if err != nil {
		t.Fatalf("FromRedirect: %v", err)
	}
	a, err := ParseActionAddr(got)
	if err != nil {
		t.Fatalf("parse rewritten url %q: %v", got, err)
	}
	if a.OrganizationID != "Org" || a.Action != ActionClaimUser || a.UseSSL {
		t.Errorf("rewritten = %+v", a)
	}
}
