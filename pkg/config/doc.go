/*
Package config parses the FD configuration file: a flat `KEY value` text
format (not YAML/TOML/JSON — no ecosystem parser fits a 20-key bespoke
format), reloaded on SIGHUP without restarting the process. An out-of-range
MAX_CONNECTIONS falls back to its default and a REMOTE_FILE_CHECK_INTERVAL
below 1 is raised to 1, rather than failing the load;
unknown keys are ignored so an older binary tolerates a newer config file.
*/
package config
