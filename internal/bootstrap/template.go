package bootstrap

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"text/template"

	"github.com/splax/sitestack/internal/domain"
)

var templateFuncs = template.FuncMap{
	"php": phpString,
}

var wordpressConfig = template.Must(template.New("wp-config.php").Funcs(templateFuncs).Parse(`<?php
define('DB_NAME', {{php .DBName}});
define('DB_USER', {{php .DBUser}});
define('DB_PASSWORD', {{php .DBPassword}});
define('DB_HOST', {{php .DBAddr}});
define('DB_CHARSET', 'utf8mb4');
define('DB_COLLATE', '');
define('WP_HOME', {{php .SiteURL}});
define('WP_SITEURL', {{php .SiteURL}});
{{range .Salts}}define({{php .Name}}, {{php .Value}});
{{end}}
$table_prefix = 'wp_';
define('WP_DEBUG', false);

if (!defined('ABSPATH')) {
{{- if .CorePath}}
	define('ABSPATH', {{php .CorePath}} . '/');
{{- else}}
	define('ABSPATH', __DIR__ . '/');
{{- end}}
}
require_once ABSPATH . 'wp-settings.php';
`))

var magentoConfig = template.Must(template.New("env.php").Funcs(templateFuncs).Parse(`<?php
return [
    'backend' => ['frontName' => 'admin'],
    'crypt' => ['key' => {{php .CryptKey}}],
    'db' => [
        'table_prefix' => '',
        'connection' => [
            'default' => [
                'host' => {{php .DBAddr}},
                'dbname' => {{php .DBName}},
                'username' => {{php .DBUser}},
                'password' => {{php .DBPassword}},
                'model' => 'mysql4',
                'engine' => 'innodb',
                'initStatements' => 'SET NAMES utf8;',
                'active' => '1',
            ],
        ],
    ],
    'resource' => ['default_setup' => ['connection' => 'default']],
    'MAGE_MODE' => 'production',
    'session' => ['save' => 'files'],
];
`))

var wordpressSalts = []string{
	"AUTH_KEY", "SECURE_AUTH_KEY", "LOGGED_IN_KEY", "NONCE_KEY",
	"AUTH_SALT", "SECURE_AUTH_SALT", "LOGGED_IN_SALT", "NONCE_SALT",
}

type salt struct {
	Name  string
	Value string
}

type configValues struct {
	DBAddr     string
	DBName     string
	DBUser     string
	DBPassword string
	SiteURL    string
	// CorePath is the absolute application core directory used as ABSPATH.
	CorePath string
	Salts    []salt
	CryptKey string
}

// renderConfig renders the platform config file. Salts and keys are
// generated per render, so the result is written once and then kept.
func renderConfig(platform domain.Platform, values configValues) ([]byte, error) {
	tmpl := wordpressConfig
	if platform == domain.PlatformMagento {
		tmpl = magentoConfig
		key, err := randomHex(16)
		if err != nil {
			return nil, err
		}
		values.CryptKey = key
	} else {
		for _, name := range wordpressSalts {
			v, err := randomHex(32)
			if err != nil {
				return nil, err
			}
			values.Salts = append(values.Salts, salt{Name: name, Value: v})
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return nil, fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.Bytes(), nil
}

// phpString quotes s as a single-quoted PHP literal.
func phpString(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
