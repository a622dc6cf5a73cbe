package sefaz

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pkcs12"

	"fiscal-inbox-go/internal/config"
	"fiscal-inbox-go/internal/models"
)

var (
	// ErrAuthenticationFailed is returned when the certificate cannot be loaded
	// or is rejected by the remote service.
	ErrAuthenticationFailed = errors.New("authentication with tax authority failed")

	// ErrRemoteUnavailable is returned for transport failures, timeouts, server
	// errors and any response status other than "documents" or "no documents".
	ErrRemoteUnavailable = errors.New("tax authority service unavailable")
)

// Response status codes of the distribution service
const (
	StatusNoDocuments = "137"
	StatusDocuments   = "138"
	StatusRateLimited = "656"
)

const (
	distributionVersion = "1.01"
	wsdlNamespace       = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe"
	soapNamespace       = "http://www.w3.org/2003/05/soap-envelope"
	maxResponseBytes    = 32 << 20
)

// regionCodes maps state abbreviations to IBGE codes used as cUFAutor
var regionCodes = map[string]string{
	"RO": "11", "AC": "12", "AM": "13", "RR": "14", "PA": "15", "AP": "16", "TO": "17",
	"MA": "21", "PI": "22", "CE": "23", "RN": "24", "PB": "25", "PE": "26", "AL": "27",
	"SE": "28", "BA": "29", "MG": "31", "ES": "32", "RJ": "33", "SP": "35", "PR": "41",
	"SC": "42", "RS": "43", "MS": "50", "MT": "51", "GO": "52", "DF": "53",
}

// Credentials identify the party querying the feed
type Credentials struct {
	IssuerTaxID       string
	CertificateRef    string
	CertificateSecret string
	Environment       models.Environment
	Region            string
}

// CredentialsFrom builds credentials from a stored integration config
func CredentialsFrom(cfg *models.IntegrationConfig) Credentials {
	return Credentials{
		IssuerTaxID:       cfg.IssuerTaxID,
		CertificateRef:    cfg.CertificateRef,
		CertificateSecret: cfg.CertificateSecret,
		Environment:       cfg.Environment,
		Region:            cfg.Region,
	}
}

// RawDocument is one decompressed entry of a batch
type RawDocument struct {
	Sequence string
	Schema   string
	Payload  []byte

	// Err is set when the entry could not be decoded; Payload is empty then
	Err error
}

// Batch is one page of the distribution feed
type Batch struct {
	Status     string
	Documents  []RawDocument
	NextCursor string
	MaxCursor  string // highest sequence available, "" if unknown
}

// Client talks to the NFe distribution web service using the holder's
// certificate for mutual TLS.
type Client struct {
	productionURL string
	sandboxURL    string
	timeout       time.Duration
	caBundle      string

	httpClient *http.Client

	mu       sync.Mutex
	cachedBy string
	cached   *http.Client
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient makes the client use hc instead of building a certificate
// backed transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new distribution service client
func NewClient(cfg config.SefazConfig, opts ...Option) *Client {
	c := &Client{
		productionURL: cfg.ProductionURL,
		sandboxURL:    cfg.SandboxURL,
		timeout:       cfg.Timeout,
		caBundle:      cfg.CABundle,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchBatch requests the page of documents after cursor
func (c *Client) FetchBatch(ctx context.Context, creds Credentials, cursor string) (Batch, error) {
	body, err := buildRequest(creds, cursor)
	if err != nil {
		return Batch{}, err
	}

	hc, err := c.clientFor(creds)
	if err != nil {
		return Batch{}, err
	}

	endpoint := c.endpointFor(creds.Environment)
	logrus.WithFields(logrus.Fields{
		"environment": creds.Environment,
		"cursor":      NormalizeCursor(cursor),
	}).Debug("Requesting distribution batch")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Batch{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+wsdlNamespace+`/nfeDistDFeInteresse"`)

	resp, err := hc.Do(req)
	if err != nil {
		return Batch{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Batch{}, fmt.Errorf("%w: http status %d", ErrAuthenticationFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Batch{}, fmt.Errorf("%w: http status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Batch{}, fmt.Errorf("%w: reading response: %v", ErrRemoteUnavailable, err)
	}

	return parseResponse(raw, cursor)
}

func (c *Client) endpointFor(env models.Environment) string {
	if env == models.EnvironmentProduction {
		return c.productionURL
	}
	return c.sandboxURL
}

func (c *Client) clientFor(creds Credentials) (*http.Client, error) {
	if c.httpClient != nil {
		return c.httpClient, nil
	}

	key := creds.CertificateRef + "\x00" + creds.CertificateSecret
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && c.cachedBy == key {
		return c.cached, nil
	}

	cert, err := loadCertificate(creds.CertificateRef, creds.CertificateSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	tlsConfig := &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateOnceAsClient,
	}
	if c.caBundle != "" {
		pool, err := loadRoots(c.caBundle)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	c.cached = &http.Client{
		Timeout:   c.timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
	}
	c.cachedBy = key
	return c.cached, nil
}

// loadCertificate reads a PKCS#12 bundle and converts it to a TLS key pair
func loadCertificate(ref, secret string) (tls.Certificate, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}

	blocks, err := pkcs12.ToPEM(data, secret)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode certificate: %w", err)
	}

	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}

	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to build key pair: %w", err)
	}
	return cert, nil
}

func loadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA bundle %s contains no certificates", path)
	}
	return pool, nil
}

func classifyTransportError(err error) error {
	var (
		verifyErr    *tls.CertificateVerificationError
		alertErr     tls.AlertError
		headerErr    tls.RecordHeaderError
		authorityErr x509.UnknownAuthorityError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &alertErr) || errors.As(err, &headerErr) || errors.As(err, &authorityErr) {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}

type distNSU struct {
	UltNSU string `xml:"ultNSU"`
}

type distDFeInt struct {
	Versao   string  `xml:"versao,attr"`
	TpAmb    int     `xml:"tpAmb"`
	CUFAutor string  `xml:"cUFAutor"`
	CNPJ     string  `xml:"CNPJ,omitempty"`
	CPF      string  `xml:"CPF,omitempty"`
	DistNSU  distNSU `xml:"distNSU"`
}

type dadosMsg struct {
	Dist distDFeInt `xml:"http://www.portalfiscal.inf.br/nfe distDFeInt"`
}

type interesse struct {
	Msg dadosMsg `xml:"nfeDadosMsg"`
}

type requestBody struct {
	Interesse interesse `xml:"http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe nfeDistDFeInteresse"`
}

type requestEnvelope struct {
	XMLName xml.Name    `xml:"soap12:Envelope"`
	Soap    string      `xml:"xmlns:soap12,attr"`
	Body    requestBody `xml:"soap12:Body"`
}

func buildRequest(creds Credentials, cursor string) ([]byte, error) {
	if !ValidCursor(cursor) {
		return nil, fmt.Errorf("invalid cursor %q", cursor)
	}

	region := strings.ToUpper(strings.TrimSpace(creds.Region))
	if region == "" {
		region = models.DefaultRegion
	}
	code, ok := regionCodes[region]
	if !ok {
		return nil, fmt.Errorf("unknown region %q", creds.Region)
	}

	dist := distDFeInt{
		Versao:   distributionVersion,
		TpAmb:    2,
		CUFAutor: code,
		DistNSU:  distNSU{UltNSU: PadCursor(cursor)},
	}
	if creds.Environment == models.EnvironmentProduction {
		dist.TpAmb = 1
	}

	switch taxID := strings.TrimSpace(creds.IssuerTaxID); len(taxID) {
	case 14:
		dist.CNPJ = taxID
	case 11:
		dist.CPF = taxID
	default:
		return nil, fmt.Errorf("issuer tax id must have 11 or 14 digits, got %d", len(taxID))
	}

	env := requestEnvelope{
		Soap: soapNamespace,
		Body: requestBody{Interesse: interesse{Msg: dadosMsg{Dist: dist}}},
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

type docZip struct {
	NSU     string `xml:"NSU,attr"`
	Schema  string `xml:"schema,attr"`
	Content string `xml:",chardata"`
}

type retDistDFeInt struct {
	CStat   string   `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	UltNSU  string   `xml:"ultNSU"`
	MaxNSU  string   `xml:"maxNSU"`
	Docs    []docZip `xml:"loteDistDFeInt>docZip"`
}

func parseResponse(raw []byte, cursor string) (Batch, error) {
	ret, err := findResult(raw)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	status := strings.TrimSpace(ret.CStat)
	switch status {
	case StatusDocuments, StatusNoDocuments:
	case StatusRateLimited:
		return Batch{}, fmt.Errorf("%w: rate limited (%s): %s", ErrRemoteUnavailable, status, ret.XMotivo)
	default:
		return Batch{}, fmt.Errorf("%w: status %s: %s", ErrRemoteUnavailable, status, ret.XMotivo)
	}

	batch := Batch{Status: status}
	for _, d := range ret.Docs {
		doc := RawDocument{
			Sequence: NormalizeCursor(d.NSU),
			Schema:   d.Schema,
		}
		doc.Payload, doc.Err = unzipDocument(d.Content)
		batch.Documents = append(batch.Documents, doc)
	}

	switch {
	case ValidCursor(ret.UltNSU):
		batch.NextCursor = NormalizeCursor(ret.UltNSU)
	case len(batch.Documents) > 0:
		batch.NextCursor = batch.Documents[len(batch.Documents)-1].Sequence
	default:
		batch.NextCursor = NormalizeCursor(cursor)
	}
	if ValidCursor(ret.MaxNSU) {
		batch.MaxCursor = NormalizeCursor(ret.MaxNSU)
	}

	return batch, nil
}

// findResult locates retDistDFeInt anywhere inside the SOAP envelope
func findResult(raw []byte) (*retDistDFeInt, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errors.New("response has no retDistDFeInt element")
		}
		if err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "retDistDFeInt" {
			continue
		}
		var ret retDistDFeInt
		if err := dec.DecodeElement(&ret, &se); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		return &ret, nil
	}
}

func unzipDocument(content string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("invalid gzip: %w", err)
	}
	return out, nil
}
