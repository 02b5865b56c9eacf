package server

import (
	"context"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/protocol"
	seqdomain "parsec/backend/internal/sequester/domain"
)

func (s *Server) cmdSequesterServiceCreate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	rawOrg, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	certificate, err := req.Bytes("service_certificate")
	if err != nil {
		return badMsg()
	}
	rawType, err := req.Str("service_type")
	if err != nil {
		return badMsg()
	}
	webhookURL, _, err := req.OptStr("webhook_url")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	org, err := apitypes.NewOrganizationID(rawOrg)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	serviceType := seqdomain.ServiceType(rawType)
	if serviceType != seqdomain.ServiceStorage && serviceType != seqdomain.ServiceWebhook {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	svc, err := s.comp.Sequester.CreateService(ctx, org, certificate, serviceType, webhookURL)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().SetUUID("service_id", svc.ServiceID)
}

func (s *Server) cmdSequesterServiceDisable(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	rawOrg, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	serviceID, err := req.UUID("service_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	org, err := apitypes.NewOrganizationID(rawOrg)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	if err := s.comp.Sequester.DisableService(ctx, org, serviceID); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdSequesterServiceEnable(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	rawOrg, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	serviceID, err := req.UUID("service_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	org, err := apitypes.NewOrganizationID(rawOrg)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	if err := s.comp.Sequester.EnableService(ctx, org, serviceID); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdSequesterServiceList(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	rawOrg, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	org, err := apitypes.NewOrganizationID(rawOrg)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	services, err := s.comp.Sequester.ListServices(ctx, org)
	if err != nil {
		return errRep(err)
	}
	out := make([]map[string]any, 0, len(services))
	for _, svc := range services {
		entry := map[string]any{
			"service_id":          svc.ServiceID[:],
			"label":               svc.Label,
			"service_certificate": svc.Certificate,
			"service_type":        string(svc.ServiceType),
			"created_on":          apitypes.TimeToMicro(svc.CreatedOn),
		}
		if svc.ServiceType == seqdomain.ServiceWebhook {
			entry["webhook_url"] = svc.WebhookURL
		}
		if svc.DisabledOn != nil {
			entry["disabled_on"] = apitypes.TimeToMicro(*svc.DisabledOn)
		} else {
			entry["disabled_on"] = nil
		}
		out = append(out, entry)
	}
	return protocol.OK().Set("services", out)
}

func (s *Server) cmdSequesterDumpRealm(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	rawOrg, err := req.Str("organization_id")
	if err != nil {
		return badMsg()
	}
	serviceID, err := req.UUID("service_id")
	if err != nil {
		return badMsg()
	}
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	org, err := apitypes.NewOrganizationID(rawOrg)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	entries, err := s.comp.Sequester.DumpRealm(ctx, org, serviceID, realmID)
	if err != nil {
		return errRep(err)
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"vlob_id": e.VlobID[:],
			"version": e.Version,
			"blob":    e.Blob,
		})
	}
	return protocol.OK().Set("dump", out)
}
