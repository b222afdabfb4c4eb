package executor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

// Config holds SSH transport configuration
type Config struct {
	User                  string        `yaml:"user"`
	PrivateKeyPath        string        `yaml:"private_key_path"`
	UseAgent              bool          `yaml:"use_agent"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	MaxConnections        int           `yaml:"max_connections"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	ClientVersion         string        `yaml:"client_version"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		User:           "fleet",
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 2 * time.Minute,
		KeepAlive:      30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxConnections: 64,
		ClientVersion:  "SSH-2.0-Fleet-Controller",
	}
}

// CredentialSource resolves a node's credentials reference
type CredentialSource interface {
	GetCredential(ref string) (*storage.Credential, error)
}

// Endpoint identifies a remote command channel
type Endpoint struct {
	Host           string
	Port           int
	User           string
	CredentialsRef string
}

// Key is the pool key, host:port
func (e Endpoint) Key() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, fmt.Sprint(port))
}

type pooledConn struct {
	client   *ssh.Client
	lastUsed time.Time
	refs     int
	done     chan struct{}
	// retired entries are out of the map and close on last release
	retired bool
}

// Pool caches one SSH client per endpoint. A client multiplexes sessions,
// so concurrent callers share it. The pool is bounded; idle clients are
// evicted after IdleTimeout and all clients are closed by Close.
type Pool struct {
	config Config
	creds  CredentialSource
	logger logger.Interface

	mu     sync.Mutex
	conns  map[string]*pooledConn
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
	dial func(ctx context.Context, ep Endpoint, cfg *ssh.ClientConfig) (*ssh.Client, error)
}

// NewPool creates the connection pool and starts its idle janitor
func NewPool(config Config, creds CredentialSource, log logger.Interface) *Pool {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultConfig().MaxConnections
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConfig().ConnectTimeout
	}

	p := &Pool{
		config: config,
		creds:  creds,
		logger: log.WithField("component", "ssh_pool"),
		conns:  make(map[string]*pooledConn),
		stop:   make(chan struct{}),
	}
	p.dial = p.dialSSH

	if config.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.janitor()
	}
	return p
}

// Acquire returns a client for ep, dialing on a cache miss. The returned
// release func must be called when the caller is done with the client.
func (p *Pool) Acquire(ctx context.Context, ep Endpoint) (*ssh.Client, func(), error) {
	key := ep.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, errors.Wrap(errors.ErrServiceUnavailable, "connection pool closed")
	}
	if pc, ok := p.conns[key]; ok {
		pc.refs++
		pc.lastUsed = time.Now()
		p.mu.Unlock()
		return pc.client, p.releaser(key, pc), nil
	}
	p.mu.Unlock()

	clientConfig, err := p.clientConfig(ep)
	if err != nil {
		return nil, nil, err
	}
	client, err := p.dial(ctx, ep, clientConfig)
	if err != nil {
		return nil, nil, errors.NewNetworkError(key, "ssh dial", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		client.Close()
		return nil, nil, errors.Wrap(errors.ErrServiceUnavailable, "connection pool closed")
	}
	// another caller may have dialed the same endpoint meanwhile
	if pc, ok := p.conns[key]; ok {
		client.Close()
		pc.refs++
		pc.lastUsed = time.Now()
		return pc.client, p.releaser(key, pc), nil
	}
	if len(p.conns) >= p.config.MaxConnections && !p.evictOldestIdleLocked() {
		client.Close()
		return nil, nil, fmt.Errorf("connection pool exhausted (%d connections in use)", len(p.conns))
	}

	pc := &pooledConn{client: client, lastUsed: time.Now(), refs: 1, done: make(chan struct{})}
	p.conns[key] = pc
	p.watch(key, pc)

	p.logger.WithFields(map[string]interface{}{
		"endpoint":  key,
		"pool_size": len(p.conns),
	}).Debug("Established SSH connection")
	return client, p.releaser(key, pc), nil
}

func (p *Pool) releaser(key string, pc *pooledConn) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			pc.refs--
			pc.lastUsed = time.Now()
			if pc.retired && pc.refs == 0 {
				go pc.client.Close()
			}
		})
	}
}

// Invalidate drops the client for key, e.g. after a session could not be
// opened on it. New callers dial afresh; a client still in use is closed
// when its last holder releases it.
func (p *Pool) Invalidate(key string) {
	p.mu.Lock()
	pc, ok := p.conns[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, key)
	inUse := pc.refs > 0
	if inUse {
		pc.retired = true
	}
	p.mu.Unlock()

	if !inUse {
		pc.client.Close()
	}
}

// Size returns the number of cached clients
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// evictOldestIdleLocked closes the least recently used idle client. p.mu must be held.
func (p *Pool) evictOldestIdleLocked() bool {
	var (
		oldestKey string
		oldest    *pooledConn
	)
	for key, pc := range p.conns {
		if pc.refs > 0 {
			continue
		}
		if oldest == nil || pc.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = key, pc
		}
	}
	if oldest == nil {
		return false
	}
	delete(p.conns, oldestKey)
	go oldest.client.Close()
	return true
}

func (p *Pool) janitor() {
	defer p.wg.Done()

	interval := p.config.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.EvictIdle(time.Now())
		}
	}
}

// EvictIdle closes clients idle for longer than IdleTimeout as of now
func (p *Pool) EvictIdle(now time.Time) int {
	p.mu.Lock()
	var stale []*ssh.Client
	for key, pc := range p.conns {
		if pc.refs == 0 && now.Sub(pc.lastUsed) > p.config.IdleTimeout {
			stale = append(stale, pc.client)
			delete(p.conns, key)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	if len(stale) > 0 {
		p.logger.WithField("evicted", len(stale)).Debug("Evicted idle SSH connections")
	}
	return len(stale)
}

// watch removes the entry once the server side goes away and runs keepalives
func (p *Pool) watch(key string, pc *pooledConn) {
	go func() {
		pc.client.Wait()
		close(pc.done)
		p.mu.Lock()
		if cur, ok := p.conns[key]; ok && cur == pc {
			delete(p.conns, key)
		}
		p.mu.Unlock()
	}()

	if p.config.KeepAlive <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(p.config.KeepAlive)
		defer t.Stop()
		for {
			select {
			case <-pc.done:
				return
			case <-t.C:
				if _, _, err := pc.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					p.logger.WithError(err).WithField("endpoint", key).Debug("Keep-alive failed, dropping connection")
					p.Invalidate(key)
					return
				}
			}
		}
	}()
}

// Close closes every cached client and stops the janitor
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	var errs []error
	for _, pc := range conns {
		if err := pc.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close %d connections: %v", len(errs), errs)
	}
	return nil
}

func (p *Pool) dialSSH(ctx context.Context, ep Endpoint, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := ep.Key()
	dialer := net.Dialer{Timeout: p.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(p.config.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func (p *Pool) clientConfig(ep Endpoint) (*ssh.ClientConfig, error) {
	user := ep.User
	auth, credUser, err := p.authMethods(ep)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = credUser
	}
	if user == "" {
		user = p.config.User
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if p.config.StrictHostKeyChecking {
		hostKeyCallback, err = knownhosts.New(p.config.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load known hosts from %s", p.config.KnownHostsFile)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.config.ConnectTimeout,
		ClientVersion:   p.config.ClientVersion,
	}, nil
}

// authMethods tries, in order: the ssh agent, the node's vault credential,
// the controller-wide private key.
func (p *Pool) authMethods(ep Endpoint) ([]ssh.AuthMethod, string, error) {
	var (
		methods []ssh.AuthMethod
		user    string
	)

	if p.config.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			} else {
				p.logger.WithError(err).Debug("Failed to connect to SSH agent, skipping")
			}
		}
	}

	if ep.CredentialsRef != "" && p.creds != nil {
		cred, err := p.creds.GetCredential(ep.CredentialsRef)
		if err != nil {
			return nil, "", errors.Wrapf(err, "failed to resolve credentials %q", ep.CredentialsRef)
		}
		user = cred.Username
		if len(cred.PrivateKey) > 0 {
			signer, err := parseKey(cred.PrivateKey, cred.Passphrase)
			if err != nil {
				return nil, "", errors.Wrapf(err, "credentials %q", ep.CredentialsRef)
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
		if cred.Password != "" {
			methods = append(methods, ssh.Password(cred.Password))
		}
	}

	if p.config.PrivateKeyPath != "" {
		data, err := os.ReadFile(p.config.PrivateKeyPath)
		if err != nil {
			return nil, "", errors.Wrapf(err, "failed to read private key from %s", p.config.PrivateKeyPath)
		}
		signer, err := parseKey(data, "")
		if err != nil {
			return nil, "", errors.Wrapf(err, "private key %s", p.config.PrivateKeyPath)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, "", fmt.Errorf("no authentication methods configured for %s", ep.Key())
	}
	return methods, user, nil
}

func parseKey(data []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, errors.Wrap(err, "private key is encrypted but no passphrase provided")
		}
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	return nil, err
}
