/*
Package ratelimit enforces per-host and per-process transfer rate limits
(TRL, §3 FSA fields transfer_rate_limit/trl_per_process) using
golang.org/x/time/rate and a per-key limiter map, repurposed here from
request counts to bytes transferred.
*/
package ratelimit
