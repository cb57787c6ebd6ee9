package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// maxClockSkew is how far the Date header of a signed request may drift.
const maxClockSkew = 12 * time.Hour

var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// SignRequest signs an outgoing POST with the actor key. The Digest header is
// computed from body and covered by the signature.
// keyId format: "https://example.com/u/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	return signer.SignRequest(privateKey, keyId, req, body)
}

// VerifyRequest checks the HTTP signature of an inbound request against the
// claimed actor's public key, and that the signed Digest matches body.
func VerifyRequest(r *http.Request, body []byte, publicKeyPem string) error {
	if r.Header.Get("Signature") == "" && r.Header.Get("Authorization") == "" {
		return &SignatureError{Kind: SignatureMissing}
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return &SignatureError{Kind: SignatureMissing, Err: err}
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return &SignatureError{Kind: SignatureMismatch, Err: err}
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return &SignatureError{Kind: SignatureMismatch, Err: err}
	}

	if !signatureCovers(r, "digest") {
		return &SignatureError{Kind: SignatureMismatch, Err: errors.New("digest header is not signed")}
	}
	algo, value, _ := strings.Cut(r.Header.Get("Digest"), "=")
	if !strings.EqualFold(algo, "SHA-256") || "SHA-256="+value != Digest(body) {
		return &SignatureError{Kind: SignatureMismatch, Err: errors.New("digest does not match body")}
	}

	if !signatureCovers(r, "date") {
		return &SignatureError{Kind: SignatureMismatch, Err: errors.New("date header is not signed")}
	}
	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return &SignatureError{Kind: SignatureMismatch, Err: fmt.Errorf("date header: %w", err)}
	}
	if skew := time.Since(date); skew > maxClockSkew || skew < -maxClockSkew {
		return &SignatureError{Kind: SignatureMismatch, Err: fmt.Errorf("date %s outside allowed skew", date)}
	}

	return nil
}

// Digest returns the SHA-256 Digest header value of body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// signatureCovers reports whether header is listed in the headers parameter
// of the request's signature.
func signatureCovers(r *http.Request, header string) bool {
	sig := r.Header.Get("Signature")
	if sig == "" {
		sig = strings.TrimPrefix(r.Header.Get("Authorization"), "Signature ")
	}
	for _, param := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "headers" {
			continue
		}
		for _, h := range strings.Fields(strings.Trim(v, `"`)) {
			if strings.EqualFold(h, header) {
				return true
			}
		}
	}
	return false
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey. PKCS1 and PKCS8
// encodings are accepted.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. PKIX and PKCS1
// encodings are accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPubKey, nil
}
