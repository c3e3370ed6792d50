// Package util holds small helpers shared by the sign-in commands.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ProxyTransport builds a transport routing through proxyURL. socks5, http and
// https schemes are supported; an empty or unsupported URL returns nil.
func ProxyTransport(proxyURL string) *http.Transport {
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return nil
	}
	parsed, errParse := url.Parse(proxyURL)
	if errParse != nil {
		log.Errorf("parse proxy URL failed: %v", errParse)
		return nil
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return nil
		}
		transport := &http.Transport{Proxy: nil}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		return transport
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Warnf("unsupported proxy scheme %q ignored", parsed.Scheme)
		return nil
	}
}

// SetProxy installs the proxy transport on httpClient when proxyURL is usable.
func SetProxy(proxyURL string, httpClient *http.Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if transport := ProxyTransport(proxyURL); transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
