package constant

// Version is overwritten at build time with -ldflags "-X".
var Version = "dev"

// UserAgent is sent with every outbound request made by fetch strategies.
var UserAgent = "domainscope/" + Version + " (+https://github.com/domainscope/domainscope)"
