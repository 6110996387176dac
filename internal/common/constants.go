package common

// AccessTokenHeaderName is the HTTP header used to carry the access token
// on authenticated requests.
const AccessTokenHeaderName = "Authorization"

// StatusOffline is the synthesized "network unreachable" status code. It is
// never produced by a real server response.
const StatusOffline = 0
