package server

import (
	"context"
	"sync"

	"parsec/backend/internal/handshake"
	"parsec/backend/internal/protocol"
)

// client is the per-connection state after a successful handshake.
type client struct {
	cc *handshake.ClientContext

	mu        sync.Mutex
	sub       *subscription
	closeConn func(reason string)
}

func (c *client) setSubscription(sub *subscription) {
	c.mu.Lock()
	prev := c.sub
	c.sub = sub
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

func (c *client) subscription() *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *client) dropSubscription() { c.setSubscription(nil) }

type handlerFunc func(ctx context.Context, c *client, req *protocol.Request) protocol.Rep

type command struct {
	kinds map[handshake.Kind]bool
	fn    handlerFunc
}

func allow(kinds ...handshake.Kind) map[handshake.Kind]bool {
	m := make(map[handshake.Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

// buildCommands assembles the full dispatch table. The identity sets are
// the allow-lists of the dispatcher: a command outside the connection's
// identity answers unknown_command.
func (s *Server) buildCommands() map[string]command {
	admin := allow(handshake.KindAdministration)
	anon := allow(handshake.KindAnonymous)
	authed := allow(handshake.KindAuthenticated)
	invited := allow(handshake.KindInvited)
	anyone := allow(handshake.KindAdministration, handshake.KindAnonymous,
		handshake.KindInvited, handshake.KindAuthenticated)

	return map[string]command{
		"ping": {anyone, s.cmdPing},

		"organization_create":    {admin, s.cmdOrganizationCreate},
		"organization_status":    {admin, s.cmdOrganizationStatus},
		"organization_update":    {admin, s.cmdOrganizationUpdate},
		"organization_stats":     {admin, s.cmdOrganizationStats},
		"organization_bootstrap": {anon, s.cmdOrganizationBootstrap},
		"organization_config":    {authed, s.cmdOrganizationConfig},

		"user_get":      {authed, s.cmdUserGet},
		"user_create":   {authed, s.cmdUserCreate},
		"user_revoke":   {authed, s.cmdUserRevoke},
		"device_create": {authed, s.cmdDeviceCreate},
		"human_find":    {authed, s.cmdHumanFind},

		"realm_create":                          {authed, s.cmdRealmCreate},
		"realm_status":                          {authed, s.cmdRealmStatus},
		"realm_stats":                           {authed, s.cmdRealmStats},
		"realm_get_role_certificates":           {authed, s.cmdRealmGetRoleCertificates},
		"realm_update_roles":                    {authed, s.cmdRealmUpdateRoles},
		"realm_start_reencryption_maintenance":  {authed, s.cmdRealmStartReencryption},
		"realm_finish_reencryption_maintenance": {authed, s.cmdRealmFinishReencryption},

		"vlob_create":        {authed, s.cmdVlobCreate},
		"vlob_read":          {authed, s.cmdVlobRead},
		"vlob_update":        {authed, s.cmdVlobUpdate},
		"vlob_poll_changes":  {authed, s.cmdVlobPollChanges},
		"vlob_list_versions": {authed, s.cmdVlobListVersions},
		"vlob_maintenance_get_reencryption_batch":  {authed, s.cmdVlobMaintenanceGetBatch},
		"vlob_maintenance_save_reencryption_batch": {authed, s.cmdVlobMaintenanceSaveBatch},

		"block_create": {authed, s.cmdBlockCreate},
		"block_read":   {authed, s.cmdBlockRead},

		"message_get": {authed, s.cmdMessageGet},

		"invite_new":    {authed, s.cmdInviteNew},
		"invite_delete": {authed, s.cmdInviteDelete},
		"invite_list":   {authed, s.cmdInviteList},
		"invite_info":   {invited, s.cmdInviteInfo},

		"invite_1_greeter_wait_peer":          {authed, s.cmdInvite1GreeterWaitPeer},
		"invite_2a_greeter_get_hashed_nonce":  {authed, s.cmdInvite2aGreeterGetHashedNonce},
		"invite_2b_greeter_send_nonce":        {authed, s.cmdInvite2bGreeterSendNonce},
		"invite_3a_greeter_wait_peer_trust":   {authed, s.cmdInvite3aGreeterWaitPeerTrust},
		"invite_3b_greeter_signify_trust":     {authed, s.cmdInvite3bGreeterSignifyTrust},
		"invite_4_greeter_communicate":        {authed, s.cmdInvite4GreeterCommunicate},
		"invite_1_claimer_wait_peer":          {invited, s.cmdInvite1ClaimerWaitPeer},
		"invite_2a_claimer_send_hashed_nonce": {invited, s.cmdInvite2aClaimerSendHashedNonce},
		"invite_2b_claimer_send_nonce":        {invited, s.cmdInvite2bClaimerSendNonce},
		"invite_3a_claimer_signify_trust":     {invited, s.cmdInvite3aClaimerSignifyTrust},
		"invite_3b_claimer_wait_peer_trust":   {invited, s.cmdInvite3bClaimerWaitPeerTrust},
		"invite_4_claimer_communicate":        {invited, s.cmdInvite4ClaimerCommunicate},

		"pki_enrollment_submit": {anon, s.cmdPkiEnrollmentSubmit},
		"pki_enrollment_info":   {anon, s.cmdPkiEnrollmentInfo},
		"pki_enrollment_list":   {authed, s.cmdPkiEnrollmentList},
		"pki_enrollment_reject": {authed, s.cmdPkiEnrollmentReject},
		"pki_enrollment_accept": {authed, s.cmdPkiEnrollmentAccept},

		"events_subscribe": {authed, s.cmdEventsSubscribe},
		"events_listen":    {authed, s.cmdEventsListen},

		"sequester_service_create":  {admin, s.cmdSequesterServiceCreate},
		"sequester_service_disable": {admin, s.cmdSequesterServiceDisable},
		"sequester_service_enable":  {admin, s.cmdSequesterServiceEnable},
		"sequester_service_list":    {admin, s.cmdSequesterServiceList},
		"sequester_dump_realm":      {admin, s.cmdSequesterDumpRealm},
	}
}

func (s *Server) cmdPing(_ context.Context, _ *client, req *protocol.Request) protocol.Rep {
	ping, _, err := req.OptStr("ping")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	return protocol.OK().Set("pong", ping)
}
