package network

// DefaultProxyAddr is where tailscaled serves both the SOCKS5 and HTTP proxy
const DefaultProxyAddr = "localhost:1055"

// ProxyEnv returns the environment entries that route a child's outbound
// traffic through the overlay proxy. Local destinations bypass it.
func ProxyEnv(proxyAddr string) []string {
	if proxyAddr == "" {
		proxyAddr = DefaultProxyAddr
	}
	socks := "socks5://" + proxyAddr
	http := "http://" + proxyAddr
	noProxy := "localhost,127.0.0.1"
	return []string{
		"ALL_PROXY=" + socks,
		"all_proxy=" + socks,
		"HTTP_PROXY=" + http,
		"http_proxy=" + http,
		"HTTPS_PROXY=" + http,
		"https_proxy=" + http,
		"NO_PROXY=" + noProxy,
		"no_proxy=" + noProxy,
	}
}
