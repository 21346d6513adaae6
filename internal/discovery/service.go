// Package discovery advertises the monitor on the local network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/rufus800/challawa-np/pkg/logger"
)

const (
	// ServiceType is the mDNS service type of the monitor
	ServiceType = "_challawa._tcp"

	// ServiceDomain is the mDNS domain
	ServiceDomain = "local."
)

// Info describes what is advertised in the TXT record
type Info struct {
	Port      int
	Version   string
	DBNumber  int
	UnitCount int
	PLC       string
}

// TXT returns the TXT record entries
func (i Info) TXT(ip string) []string {
	return []string{
		"version=" + i.Version,
		"db=" + strconv.Itoa(i.DBNumber),
		"units=" + strconv.Itoa(i.UnitCount),
		"plc=" + i.PLC,
		"ip=" + ip,
	}
}

type shutdowner interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (shutdowner, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (shutdowner, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// Service registers the monitor while Run is active
type Service struct {
	info         Info
	instanceName string
	register     registerFunc
	localIP      func() (string, error)

	mutex    sync.Mutex
	server   shutdowner
	serverIP string
}

// NewService creates the advertiser
func NewService(info Info) *Service {
	hostname, _ := os.Hostname()
	return &Service{
		info:         info,
		instanceName: fmt.Sprintf("%s-challawa", hostname),
		register:     zeroconfRegister,
		localIP:      localIP,
	}
}

// Run advertises the service until ctx is canceled. A registration failure is
// logged and Run waits for ctx anyway; discovery is a convenience.
func (s *Service) Run(ctx context.Context) error {
	if err := s.start(); err != nil {
		logger.Warnf("mDNS advertisement disabled: %v", err)
		<-ctx.Done()
		return nil
	}
	<-ctx.Done()
	s.stop()
	return nil
}

func (s *Service) start() error {
	ip, err := s.localIP()
	if err != nil {
		return fmt.Errorf("local IP: %w", err)
	}

	server, err := s.register(s.instanceName, ServiceType, ServiceDomain, s.info.Port, s.info.TXT(ip), nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", ServiceType, err)
	}

	s.mutex.Lock()
	s.server = server
	s.serverIP = ip
	s.mutex.Unlock()

	logger.Infof("Advertising %s.%s on %s:%d", s.instanceName, ServiceType, ip, s.info.Port)
	return nil
}

func (s *Service) stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
		logger.Info("mDNS advertisement stopped")
	}
}

// ServerIP returns the advertised address, or the local one before advertising starts
func (s *Service) ServerIP() string {
	s.mutex.Lock()
	ip := s.serverIP
	s.mutex.Unlock()
	if ip != "" {
		return ip
	}
	if ip, err := s.localIP(); err == nil {
		return ip
	}
	return "localhost"
}

// InstanceName returns the mDNS instance name
func (s *Service) InstanceName() string {
	return s.instanceName
}

// localIP returns the first non-loopback IPv4 address
func localIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address")
}
