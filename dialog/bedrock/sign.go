package bedrock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// unsignedPayload is the SigV4 content hash sentinel for streaming
// request bodies. The bidirectional stream produces frames after the
// request line is already on the wire, so the body cannot be hashed.
const unsignedPayload = "UNSIGNED-PAYLOAD"

// signingService is the SigV4 service name for the dialogue endpoint.
const signingService = "bedrock"

const sigV4Algorithm = "AWS4-HMAC-SHA256"

// signer computes AWS SigV4 signatures for dialogue stream requests.
type signer struct {
	region  string
	service string
}

// sign adds X-Amz-Date, X-Amz-Content-Sha256, the optional security
// token, and the Authorization header to req. bodyHash is the payload
// hash to sign, unsignedPayload for streaming bodies. now is the
// signing time; production callers pass time.Now().
func (s signer) sign(req *http.Request, creds aws.Credentials, bodyHash string, now time.Time) {
	t := now.UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", bodyHash)
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}

	signedHeaders, canonicalHeaders := canonicalizeHeaders(req)

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalPath(req.URL.Path),
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		bodyHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.region, s.service)
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	key := hmacChain([]byte("AWS4"+creds.SecretAccessKey), dateStamp, s.region, s.service, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, creds.AccessKeyID, scope, signedHeaders, signature))
}

// canonicalPath URI-encodes each path segment per the SigV4 spec.
// Slashes are preserved; characters like ':' in model IDs ("v1:0")
// must be percent-encoded within their segment.
func canonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = encodeSegment(seg)
	}
	return strings.Join(segments, "/")
}

// encodeSegment percent-encodes one path segment per RFC 3986, leaving
// unreserved characters (A-Z a-z 0-9 - _ . ~) as-is.
func encodeSegment(seg string) string {
	var buf strings.Builder
	for _, b := range []byte(seg) {
		switch {
		case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9',
			b == '-', b == '_', b == '.', b == '~':
			buf.WriteByte(b)
		default:
			fmt.Fprintf(&buf, "%%%02X", b)
		}
	}
	return buf.String()
}

// canonicalizeHeaders returns the sorted signed-header list (joined
// with ';') and the canonical header block. Authorization and
// User-Agent are excluded; Host is always signed even though it
// travels outside req.Header.
func canonicalizeHeaders(req *http.Request) (string, string) {
	names := []string{"host"}
	for name := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "user-agent" {
			continue
		}
		names = append(names, lower)
	}
	sort.Strings(names)

	var block strings.Builder
	for _, name := range names {
		if name == "host" {
			fmt.Fprintf(&block, "host:%s\n", req.Host)
			continue
		}
		values := req.Header.Values(http.CanonicalHeaderKey(name))
		fmt.Fprintf(&block, "%s:%s\n", name, strings.Join(values, ","))
	}
	return strings.Join(names, ";"), block.String()
}

// sha256Hex returns the SHA256 hash of data as a hex string.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hmacSHA256 returns HMAC-SHA256 of data using key.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hmacChain folds each part through HMAC-SHA256, yielding the SigV4
// derived signing key.
func hmacChain(seed []byte, parts ...string) []byte {
	key := seed
	for _, part := range parts {
		key = hmacSHA256(key, part)
	}
	return key
}
