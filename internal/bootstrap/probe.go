package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// TCPProbe succeeds once Addr accepts connections.
type TCPProbe struct {
	Label   string
	Addr    string
	Timeout time.Duration
}

func (p TCPProbe) Name() string { return p.Label }

func (p TCPProbe) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// PostgresProbe succeeds once the database accepts an authenticated ping.
type PostgresProbe struct {
	DSN string
}

func (p PostgresProbe) Name() string { return "postgres" }

func (p PostgresProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, p.DSN)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	return conn.Ping(ctx)
}

// postgresDSN builds a connection URL from discrete parameters.
func postgresDSN(host string, port int, name, user, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + name,
	}
	return u.String()
}

func databaseProbe(driver, host string, port int, name, user, password string) Probe {
	if driver == "postgres" {
		return PostgresProbe{DSN: postgresDSN(host, port, name, user, password)}
	}
	return TCPProbe{Label: fmt.Sprintf("%s database", driver), Addr: net.JoinHostPort(host, strconv.Itoa(port))}
}
