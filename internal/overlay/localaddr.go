package overlay

import (
	"net"
	"strconv"
	"strings"
)

// LocalAddress returns the most plausible LAN-reachable IPv4 address for
// this host, ranking interfaces by name so a real wired/wireless adapter
// wins over bridge or container interfaces. Used at startup to log the
// address an operator would expect the overlay to advertise for this host.
func LocalAddress() (string, bool) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", false
	}

	if addr, ok := preferredLocalAddress(interfaces, true); ok {
		return addr, true
	}
	return preferredLocalAddress(interfaces, false)
}

func preferredLocalAddress(interfaces []net.Interface, requirePreferredName bool) (string, bool) {
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if strings.HasPrefix(iface.Name, "br-") || strings.HasPrefix(iface.Name, "veth") ||
			strings.HasPrefix(iface.Name, "docker") {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			ipv4 := ipnet.IP.To4()
			if ipv4 == nil {
				continue
			}
			ipStr := ipv4.String()
			if !isLocalNetworkIP(ipStr) {
				continue
			}
			if requirePreferredName && !isPreferredInterface(iface.Name) {
				continue
			}
			return ipStr, true
		}
	}
	return "", false
}

func isLocalNetworkIP(ip string) bool {
	return strings.HasPrefix(ip, "192.168.") ||
		strings.HasPrefix(ip, "10.") ||
		(strings.HasPrefix(ip, "172.") && isPrivate172(ip))
}

func isPrivate172(ip string) bool {
	parts := strings.Split(ip, ".")
	if len(parts) < 2 || parts[0] != "172" {
		return false
	}
	second, err := strconv.Atoi(parts[1])
	return err == nil && second >= 16 && second <= 31
}

func isPreferredInterface(name string) bool {
	for _, prefix := range []string{"wl", "eth", "en", "wlan", "wifi"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
