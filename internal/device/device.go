package device

import (
	"net"
	"net/http"
	"strings"

	"github.com/mileusna/useragent"

	"shelfplay/internal/models"
)

// Resolve derives a device snapshot from the request and an optional
// client-supplied descriptor. Pure: no side effects, and absent headers just
// produce an unknown-device value.
func Resolve(r *http.Request, client *models.ClientDeviceInfo, serverVersion string) models.DeviceInfo {
	d := models.DeviceInfo{
		IPAddress:     ClientIP(r),
		UserAgent:     r.UserAgent(),
		ServerVersion: serverVersion,
	}

	if ua := r.UserAgent(); ua != "" {
		parsed := useragent.Parse(ua)
		d.Browser = parsed.Name
		d.BrowserVersion = parsed.Version
		d.OS = parsed.OS
		d.OSVersion = parsed.OSVersion
		d.DeviceName = parsed.Device
	}

	// Native and offline clients know their device better than the UA does.
	if client != nil {
		if client.DeviceID != "" {
			d.DeviceID = client.DeviceID
		}
		if client.ClientName != "" {
			d.ClientName = client.ClientName
		}
		if client.ClientVersion != "" {
			d.ClientVersion = client.ClientVersion
		}
		if client.DeviceName != "" {
			d.DeviceName = client.DeviceName
		} else if client.Manufacturer != "" && client.Model != "" {
			d.DeviceName = client.Manufacturer + " " + client.Model
		}
		if client.SDKVersion != "" && d.OSVersion == "" {
			d.OSVersion = client.SDKVersion
		}
	}
	return d
}

// ClientIP extracts the caller's address, trusting standard proxy-forwarding
// headers before the transport peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the originating client.
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
