package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on inbound requests.
const AccessTokenHeaderName = "access_token"

// DeviceIDHeaderName is the gRPC metadata key naming the calling device.
const DeviceIDHeaderName = "device_id"

// HTTPDeviceIDHeader is the HTTP header naming the calling device.
const HTTPDeviceIDHeader = "X-Device-ID"
