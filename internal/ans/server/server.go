// Package server exposes the ANS core over HTTP/JSON: a thin fiber
// layer translating apperr.Kind into status codes and
// {status:"failure", error} bodies, never carrying domain logic itself.
package server

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"
	"ans/internal/ans/cryptoutil"
	"ans/internal/ans/observability"
	"ans/internal/ans/ocsp"
	"ans/internal/ans/protocol"
	"ans/internal/ans/ra"
	"ans/internal/ans/registry"
	"ans/internal/ans/storage"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Config configures a Server.
type Config struct {
	Authority     *ca.CA
	OCSPResponder *ocsp.Responder
	OCSPClient    *ocsp.Client
	Protocols     *protocol.Registry
	RA            *ra.RegistrationAuthority
	Registry      *registry.Registry
	Audit         observability.AuditSink
	Clock         func() time.Time
}

// Server wires the CA/RA/Registry/OCSP collaborators onto an HTTP
// surface. It holds no state of its own beyond those collaborators.
type Server struct {
	authority     *ca.CA
	ocspResponder *ocsp.Responder
	ocspClient    *ocsp.Client
	protocols     *protocol.Registry
	ra            *ra.RegistrationAuthority
	registry      *registry.Registry
	audit         observability.AuditSink
	clock         func() time.Time
}

// New builds a Server. Every collaborator in cfg must already be
// constructed and started in the CA -> RA -> Registry order; New
// performs no startup orchestration itself.
func New(cfg Config) *Server {
	if cfg.Audit == nil {
		cfg.Audit = observability.NoopAuditSink{}
	}

	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Server{
		authority:     cfg.Authority,
		ocspResponder: cfg.OCSPResponder,
		ocspClient:    cfg.OCSPClient,
		protocols:     cfg.Protocols,
		ra:            cfg.RA,
		registry:      cfg.Registry,
		audit:         cfg.Audit,
		clock:         cfg.Clock,
	}
}

// NewApp builds a fiber.App with the request-id middleware and every
// ANS route already registered.
func (s *Server) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: s.fiberErrorHandler,
	})

	s.RegisterMiddleware(app)
	s.RegisterRoutes(app)

	return app
}

// RegisterMiddleware installs the request-id middleware: every request
// is tagged with an X-Request-Id (caller-supplied, or a fresh UUID),
// propagated to c.Locals for handlers and audit events to read.
func (s *Server) RegisterMiddleware(app *fiber.App) {
	app.Use(func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Locals("request_id", requestID)
		c.Set("X-Request-Id", requestID)

		err := c.Next()

		s.audit.Record(observability.Event{
			Kind:      "http_request",
			RequestID: requestID,
			Subject:   c.Method() + " " + c.Path(),
			Detail:    fmt.Sprintf("status=%d", c.Response().StatusCode()),
			At:        s.clock(),
		})

		return err
	})
}

// RegisterRoutes binds the ANS HTTP/JSON surface.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Get("/health", s.handleHealth)
	app.Get("/protocols", s.handleProtocols)
	app.Post("/register", s.handleRegister)
	app.Post("/renew", s.handleRenew)
	app.Post("/revoke", s.handleRevoke)
	app.Post("/resolve", s.handleResolve)
	app.Get("/agents", s.handleListAgents)
	app.Get("/ocsp/:serial", s.handleOCSPGet)
	app.Post("/ocsp", s.handleOCSPPost)
	app.Get("/ca/certificate", s.handleCACertificate)
	app.Post("/verify", s.handleVerify)
}

func requestIDFrom(c *fiber.Ctx) string {
	id, _ := c.Locals("request_id").(string)

	return id
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
}

func (s *Server) handleProtocols(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"protocols": s.protocols.Protocols()})
}

// registrationRequestBody is the wire shape of an
// AgentRegistrationRequest.
type registrationRequestBody struct {
	Protocol           string         `json:"protocol"`
	AgentName          string         `json:"agent_name"`
	AgentCategory      string         `json:"agent_category"`
	ProviderName       string         `json:"provider_name"`
	Version            string         `json:"version"`
	ANSName            string         `json:"ans_name"`
	Endpoint           string         `json:"endpoint"`
	Capabilities       []string       `json:"capabilities"`
	ProtocolExtensions map[string]any `json:"protocol_extensions"`
	CSRPEM             string         `json:"csr_pem"`
	RequesterID        string         `json:"requester_id"`
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var body registrationRequestBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, apperr.New(apperr.SchemaError, "malformed JSON body"))
	}

	csrPEM, err := decodeCSR(body.CSRPEM)
	if err != nil {
		return writeError(c, err)
	}

	req := ra.RegistrationRequest{
		Protocol:           body.Protocol,
		AgentName:          body.AgentName,
		AgentCategory:      body.AgentCategory,
		ProviderName:       body.ProviderName,
		Version:            body.Version,
		ANSName:            body.ANSName,
		Endpoint:           body.Endpoint,
		Capabilities:       body.Capabilities,
		ProtocolExtensions: body.ProtocolExtensions,
		CSRPEM:             csrPEM,
	}

	wf, err := s.ra.SubmitRequest(req, body.RequesterID)
	if err != nil {
		return writeError(c, err)
	}

	response := fiber.Map{
		"status":     "success",
		"request_id": wf.ID,
		"ans_status": wf.Status,
	}

	if wf.IssuedCertificate != nil {
		agent, err := s.registry.Register(c.Context(), registry.RegisterInput{
			Parsed:             wf.ParsedName,
			Capabilities:       body.Capabilities,
			ProtocolExtensions: body.ProtocolExtensions,
			Endpoint:           body.Endpoint,
			Certificate:        wf.IssuedCertificate,
		})
		if err != nil {
			return writeError(c, err)
		}

		response["registered_agent"] = agent
		response["certificate"] = string(wf.IssuedCertificate.PEM)
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

type renewalRequestBody struct {
	AgentID           string `json:"agent_id"`
	CurrentSerial     string `json:"current_serial"`
	CurrentCommonName string `json:"current_common_name"`
	CSRPEM            string `json:"csr_pem"`
}

func (s *Server) handleRenew(c *fiber.Ctx) error {
	var body renewalRequestBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, apperr.New(apperr.SchemaError, "malformed JSON body"))
	}

	csrPEM, err := decodeCSR(body.CSRPEM)
	if err != nil {
		return writeError(c, err)
	}

	currentCert := &ra.CertRef{CommonName: body.CurrentCommonName, Serial: body.CurrentSerial}

	cert, err := s.ra.Renew(c.Context(), currentCert, csrPEM, body.AgentID)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":      "success",
		"agent_id":    body.AgentID,
		"certificate": string(cert.PEM),
		"serial":      cert.Serial,
	})
}

type revokeRequestBody struct {
	Serial string `json:"serial"`
	Reason string `json:"reason"`
}

var revocationReasons = map[string]ca.RevocationReason{
	"unspecified":            ca.ReasonUnspecified,
	"key_compromise":         ca.ReasonKeyCompromise,
	"ca_compromise":          ca.ReasonCACompromise,
	"affiliation_changed":    ca.ReasonAffiliationChanged,
	"superseded":             ca.ReasonSuperseded,
	"cessation_of_operation": ca.ReasonCessationOfOperation,
	"certificate_hold":       ca.ReasonCertificateHold,
	"remove_from_crl":        ca.ReasonRemoveFromCRL,
	"privilege_withdrawn":    ca.ReasonPrivilegeWithdrawn,
	"aa_compromise":          ca.ReasonAACompromise,
}

func (s *Server) handleRevoke(c *fiber.Ctx) error {
	var body revokeRequestBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, apperr.New(apperr.SchemaError, "malformed JSON body"))
	}

	reason, ok := revocationReasons[body.Reason]
	if !ok {
		reason = ca.ReasonUnspecified
	}

	entry, err := s.ra.Revoke(c.Context(), body.Serial, reason)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":     "success",
		"serial":     entry.Serial,
		"revoked_at": entry.RevokedAt,
	})
}

type resolveRequestBody struct {
	ANSName      string `json:"ans_name"`
	VersionRange string `json:"version_range"`
}

func (s *Server) handleResolve(c *fiber.Ctx) error {
	var body resolveRequestBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, apperr.New(apperr.SchemaError, "malformed JSON body"))
	}

	record, err := s.registry.Resolve(c.Context(), body.ANSName, body.VersionRange, requestIDFrom(c))
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(record)
}

func (s *Server) handleListAgents(c *fiber.Ctx) error {
	filter := storage.QueryFilter{
		Protocol:        c.Query("protocol"),
		Capability:      c.Query("capability"),
		Provider:        c.Query("provider"),
		IncludeInactive: c.QueryBool("include_inactive", false),
	}

	limit := c.QueryInt("limit", 10)

	agents, err := s.registry.List(c.Context(), filter, limit)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "success", "agents": agents})
}

func (s *Server) handleOCSPGet(c *fiber.Ctx) error {
	return s.respondOCSP(c, c.Params("serial"))
}

func (s *Server) handleOCSPPost(c *fiber.Ctx) error {
	var body struct {
		Serial string `json:"serial"`
	}

	if err := c.BodyParser(&body); err != nil {
		return writeError(c, apperr.New(apperr.SchemaError, "malformed JSON body"))
	}

	return s.respondOCSP(c, body.Serial)
}

func (s *Server) handleCACertificate(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "application/x-pem-file")

	return c.Status(fiber.StatusOK).Send(cryptoutil.ToPEM(s.authority.Certificate()))
}

type verifyRequestBody struct {
	Record *registry.EndpointRecord `json:"record"`
}

// handleVerify lets any external verifier check an endpoint record
// offline against the registry's certificate chain and current OCSP
// status, without re-resolving it.
func (s *Server) handleVerify(c *fiber.Ctx) error {
	var body verifyRequestBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, apperr.New(apperr.SchemaError, "malformed JSON body"))
	}

	if body.Record == nil {
		return writeError(c, apperr.New(apperr.SchemaError, "record is required"))
	}

	err := registry.VerifyEndpointRecord(c.Context(), body.Record, s.authority.VerifyChain, s.ocspClient, requestIDFrom(c))
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "success", "verified": true})
}

func (s *Server) respondOCSP(c *fiber.Ctx, serial string) error {
	if serial == "" {
		return writeError(c, apperr.New(apperr.SchemaError, "serial is required"))
	}

	resp, err := s.ocspResponder.Check(serial)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func decodeCSR(field string) ([]byte, error) {
	if field == "" {
		return nil, apperr.New(apperr.SchemaError, "csr_pem is required")
	}

	if block, _ := pem.Decode([]byte(field)); block != nil {
		return []byte(field), nil
	}

	decoded, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, apperr.New(apperr.InvalidCSR, "csr_pem is neither valid PEM nor base64-encoded PEM")
	}

	return decoded, nil
}

// writeError translates an apperr.Error into the
// {status:"failure", error} body and the matching HTTP status; any
// other error is treated as apperr.InternalError.
func writeError(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)

	return c.Status(apperr.HTTPStatus(kind)).JSON(fiber.Map{
		"status": "failure",
		"error":  err.Error(),
		"kind":   kind,
	})
}

// fiberErrorHandler covers routing-level failures (404, malformed
// path params) that never reach a handler's own writeError call.
func (s *Server) fiberErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}

	return c.Status(code).JSON(fiber.Map{"status": "failure", "error": err.Error()})
}
