// Package ossstore mirrors job files to an Aliyun OSS bucket and hands out signed links to
// job artifacts. The job directory on local disk stays authoritative: a failed mirror
// never changes a job's outcome.
package ossstore

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

var ErrDisabled = errors.New("oss mirror not enabled")

// Options configures the mirror. Endpoint is used for writes (typically the VPC endpoint);
// PublicEndpoint, when set, is used for links handed to clients.
type Options struct {
	Bucket         string
	Region         string
	Endpoint       string
	PublicEndpoint string
	ResultPrefix   string
	UploadPrefix   string
	LinkExpiry     time.Duration

	// RRSA: set all three to assume a role through the pod's OIDC token.
	RoleARN         string
	OIDCProviderARN string
	OIDCTokenFile   string
	STSEndpoint     string
}

type Mirror struct {
	opts   Options
	cred   credentials.Credential
	writes *oss.Bucket
	links  *oss.Bucket
}

// Open returns a nil Mirror and no error when opts.Bucket is empty.
func Open(opts Options) (*Mirror, error) {
	opts = opts.withDefaults()
	if opts.Bucket == "" {
		return nil, nil
	}
	if opts.Endpoint == "" {
		return nil, errors.New("oss bucket set without an endpoint")
	}
	cred, err := opts.credential()
	if err != nil {
		return nil, fmt.Errorf("init alibaba credentials: %w", err)
	}
	if err := checkCredential(cred); err != nil {
		return nil, err
	}

	m := &Mirror{opts: opts, cred: cred}
	if m.writes, err = openBucket(opts.Endpoint, opts, cred); err != nil {
		return nil, err
	}
	m.links = m.writes
	if opts.PublicEndpoint != opts.Endpoint {
		if m.links, err = openBucket(opts.PublicEndpoint, opts, cred); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (o Options) withDefaults() Options {
	o.Bucket = strings.TrimSpace(o.Bucket)
	o.Region = strings.TrimSpace(o.Region)
	if o.Region == "" {
		o.Region = "cn-hangzhou"
	}
	o.Endpoint = strings.TrimSpace(o.Endpoint)
	o.PublicEndpoint = strings.TrimSpace(o.PublicEndpoint)
	if o.Endpoint == "" {
		o.Endpoint = o.PublicEndpoint
	}
	if o.PublicEndpoint == "" {
		o.PublicEndpoint = o.Endpoint
	}
	o.ResultPrefix = strings.Trim(strings.TrimSpace(o.ResultPrefix), "/")
	if o.ResultPrefix == "" {
		o.ResultPrefix = "pdftables-results"
	}
	o.UploadPrefix = strings.Trim(strings.TrimSpace(o.UploadPrefix), "/")
	if o.UploadPrefix == "" {
		o.UploadPrefix = "pdftables-uploads"
	}
	if o.LinkExpiry <= 0 {
		o.LinkExpiry = 10 * time.Minute
	}
	return o
}

func (o Options) credential() (credentials.Credential, error) {
	if o.RoleARN == "" || o.OIDCProviderARN == "" || o.OIDCTokenFile == "" {
		// default chain: env access keys, STS token, ~/.alibabacloud profile
		return credentials.NewCredential(nil)
	}
	sts := o.STSEndpoint
	if sts == "" {
		sts = "sts." + o.Region + ".aliyuncs.com"
	}
	return credentials.NewCredential(new(credentials.Config).
		SetType("oidc_role_arn").
		SetRoleArn(o.RoleARN).
		SetOIDCProviderArn(o.OIDCProviderARN).
		SetOIDCTokenFilePath(o.OIDCTokenFile).
		SetSTSEndpoint(sts))
}

func checkCredential(cred credentials.Credential) error {
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba credential: %w", err)
	}
	if c == nil || strings.TrimSpace(deref(c.AccessKeyId)) == "" || strings.TrimSpace(deref(c.AccessKeySecret)) == "" {
		return errors.New("alibaba credential is empty")
	}
	return nil
}

func openBucket(endpoint string, o Options, cred credentials.Credential) (*oss.Bucket, error) {
	client, err := oss.New(endpoint, "", "",
		oss.SetCredentialsProvider(credBridge{cred}),
		oss.AuthVersion(oss.AuthV4),
		oss.Region(o.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("oss client %s: %w", endpoint, err)
	}
	b, err := client.Bucket(o.Bucket)
	if err != nil {
		return nil, fmt.Errorf("oss bucket %s: %w", o.Bucket, err)
	}
	return b, nil
}

func (m *Mirror) Enabled() bool { return m != nil && m.writes != nil }

func (m *Mirror) Bucket() string {
	if m == nil {
		return ""
	}
	return m.opts.Bucket
}

// MirrorUpload copies the uploaded PDF of a job to the bucket.
func (m *Mirror) MirrorUpload(jobID, fileName, localPath string) error {
	return m.put(m.uploadKey(jobID, fileName), localPath, contentType(fileName))
}

// MirrorArtifact copies output.csv or error.txt of a job to the bucket.
func (m *Mirror) MirrorArtifact(jobID, jobDir, artifact string) error {
	return m.put(m.artifactKey(jobID, artifact), filepath.Join(jobDir, artifact), contentType(artifact))
}

// ArtifactURL signs a time-limited GET link to a mirrored artifact.
func (m *Mirror) ArtifactURL(jobID, artifact string) (string, error) {
	if !m.Enabled() {
		return "", ErrDisabled
	}
	if err := checkCredential(m.cred); err != nil {
		return "", err
	}
	name := objectName(artifact, "artifact")
	disp := fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", asciiFallback(name), url.PathEscape(name))
	return m.links.SignURL(m.artifactKey(jobID, artifact), oss.HTTPGet, int64(m.opts.LinkExpiry/time.Second),
		oss.ResponseContentDisposition(disp))
}

func (m *Mirror) put(key, localPath, ctype string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	// Refresh first so an expired STS token never turns into an anonymous request.
	if err := checkCredential(m.cred); err != nil {
		return err
	}
	return m.writes.PutObjectFromFile(key, localPath, oss.ContentType(ctype))
}

func (m *Mirror) artifactKey(jobID, artifact string) string {
	return path.Join(m.opts.ResultPrefix, strings.TrimSpace(jobID), objectName(artifact, "artifact"))
}

func (m *Mirror) uploadKey(jobID, fileName string) string {
	return path.Join(m.opts.UploadPrefix, strings.TrimSpace(jobID), objectName(fileName, "upload.pdf"))
}

// objectName keeps only the base name so a client filename cannot climb out of the job prefix.
func objectName(name, def string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch name {
	case "", ".", "/", "..":
		return def
	}
	return name
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}

func asciiFallback(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
}

// credBridge adapts a credentials-go credential to the OSS SDK provider interface.
// The SDK interface has no error return; empty keys make the request fail at OSS.
type credBridge struct{ cred credentials.Credential }

type ossKeys struct{ id, secret, token string }

func (k ossKeys) GetAccessKeyID() string     { return k.id }
func (k ossKeys) GetAccessKeySecret() string { return k.secret }
func (k ossKeys) GetSecurityToken() string   { return k.token }

func (b credBridge) GetCredentials() oss.Credentials {
	c, err := b.cred.GetCredential()
	if err != nil || c == nil {
		return ossKeys{}
	}
	return ossKeys{id: deref(c.AccessKeyId), secret: deref(c.AccessKeySecret), token: deref(c.SecurityToken)}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
