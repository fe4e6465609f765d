package core

import (
	"net/http"
	"sort"
	"strings"
)

// Request header names.
const (
	HeaderAppID       = "x-accela-appid"
	HeaderAppSecret   = "x-accela-appsecret"
	HeaderEnvironment = "x-accela-environment"
	HeaderAgency      = "x-accela-agency"
	HeaderAgencies    = "x-accela-agencies"
	HeaderAppVersion  = "x-accela-appversion"
	HeaderAppPlatform = "x-accela-appplatform"
	HeaderAuth        = "Authorization"
)

// Custom header keys that are translated into platform headers instead of being sent
// as is.
const (
	KeyAllAgencies     = "is_all_agencies"
	KeyAgencyName      = "agency_name"
	KeyEnvironmentName = "environment_name"
)

// AccessTokenSource supplies the current user token. An empty string means no user is
// signed in and requests identify with the app secret instead.
type AccessTokenSource interface {
	AccessToken() string
}

// HeaderContributor adds headers to an outgoing request. Contributors run in priority
// order, highest first, and only fill headers that are still unset, so an earlier
// contributor always wins.
type HeaderContributor interface {
	Contribute(h http.Header, custom map[string]string)
}

// HeaderContributorFunc adapts a function to HeaderContributor.
type HeaderContributorFunc func(h http.Header, custom map[string]string)

func (f HeaderContributorFunc) Contribute(h http.Header, custom map[string]string) {
	f(h, custom)
}

// BuildHeader runs the contributors in order over the per-request custom headers.
func BuildHeader(contributors []HeaderContributor, custom map[string]string) http.Header {
	h := make(http.Header)
	for _, c := range contributors {
		c.Contribute(h, custom)
	}
	return h
}

func setIfAbsent(h http.Header, key, value string) {
	if value == "" || h.Get(key) != "" {
		return
	}
	h.Set(key, value)
}

// customHeaders applies the caller's per-request headers.
func customHeaders() HeaderContributor {
	return HeaderContributorFunc(func(h http.Header, custom map[string]string) {
		if len(custom) == 0 {
			return
		}
		if v, ok := custom[KeyAllAgencies]; ok {
			setIfAbsent(h, HeaderAgencies, v)
		} else if v, ok := custom[KeyAgencyName]; ok {
			setIfAbsent(h, HeaderAgency, strings.ToUpper(v))
		}
		if v, ok := custom[KeyEnvironmentName]; ok {
			setIfAbsent(h, HeaderEnvironment, v)
		}

		keys := make([]string, 0, len(custom))
		for k := range custom {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch k {
			case KeyAllAgencies, KeyAgencyName, KeyEnvironmentName:
				continue
			}
			setIfAbsent(h, k, custom[k])
		}
	})
}

// bearerToken attaches the signed-in user's token.
func bearerToken(tokens AccessTokenSource) HeaderContributor {
	return HeaderContributorFunc(func(h http.Header, _ map[string]string) {
		if tokens == nil || h.Get(HeaderAuth) != "" {
			return
		}
		setIfAbsent(h, HeaderAuth, tokens.AccessToken())
	})
}

// appSecret identifies the app when no user token is attached.
func appSecret(secret string) HeaderContributor {
	return HeaderContributorFunc(func(h http.Header, _ map[string]string) {
		if h.Get(HeaderAuth) != "" {
			return
		}
		setIfAbsent(h, HeaderAppSecret, secret)
	})
}

// defaultHeaders carries the application identity.
func defaultHeaders(cfg Config) HeaderContributor {
	return HeaderContributorFunc(func(h http.Header, _ map[string]string) {
		setIfAbsent(h, HeaderAppID, cfg.AppID)
		setIfAbsent(h, HeaderEnvironment, cfg.Environment)
		setIfAbsent(h, HeaderAgency, cfg.Agency)
		setIfAbsent(h, HeaderAppVersion, cfg.AppVersion)
		setIfAbsent(h, HeaderAppPlatform, cfg.AppPlatform)
		setIfAbsent(h, "Accept", "*/*")
	})
}

// DefaultContributors returns the standard chain: custom headers, bearer token,
// app-secret fallback, defaults.
func DefaultContributors(cfg Config, tokens AccessTokenSource) []HeaderContributor {
	return []HeaderContributor{
		customHeaders(),
		bearerToken(tokens),
		appSecret(cfg.AppSecret),
		defaultHeaders(cfg),
	}
}
