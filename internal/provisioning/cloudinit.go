package provisioning

import (
	"fmt"
	"strings"
)

// Secrets is the cryptographically random material minted for a new
// droplet (spec.md §4.4 step 2 / §6's stated size targets).
type Secrets struct {
	ProvisioningToken string // 32 random bytes, base64url
	DBPassword        string // 24 random bytes, base64url
	EngineKey         string // 32 random bytes, hex (AES-256-equivalent)
}

// cloudInitTemplate is a declarative script: swap setup, firewall,
// container-runtime install, then an env file populated from tenant
// fields and secrets. Substitution is strictly literal — every secret is
// written as a single-quoted shell line so special characters in the
// generated value survive untouched, per spec.md §4.4 step 3.
const cloudInitTemplate = `#cloud-config
swap:
  filename: /swapfile
  size: 1024MiB

runcmd:
  - ufw default deny incoming
  - ufw allow ssh
  - ufw allow 443/tcp
  - ufw --force enable
  - curl -fsSL https://get.docker.com | sh
  - systemctl enable --now docker
  - cat <<'FLEETCTL_ENV' > /etc/fleetctl/droplet.env
TENANT_ID='%s'
DROPLET_SLUG='%s'
REGION='%s'
PROVISIONING_TOKEN='%s'
DB_PASSWORD='%s'
ENGINE_ENCRYPTION_KEY='%s'
FLEETCTL_ENV
`

// escapeSingleQuoted makes s safe to sit inside a single-quoted shell
// line: a literal single quote can't appear inside single quotes, so
// each one is closed, escaped, and reopened ('\'').
func escapeSingleQuoted(s string) string {
	return strings.ReplaceAll(s, `'`, `'\''`)
}

// RenderCloudInit produces the cloud-init script for a new droplet.
func RenderCloudInit(tenantID, slug, region string, secrets Secrets) string {
	return fmt.Sprintf(cloudInitTemplate,
		escapeSingleQuoted(tenantID),
		escapeSingleQuoted(slug),
		escapeSingleQuoted(region),
		escapeSingleQuoted(secrets.ProvisioningToken),
		escapeSingleQuoted(secrets.DBPassword),
		escapeSingleQuoted(secrets.EngineKey),
	)
}
