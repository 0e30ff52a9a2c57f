package config

const DvaultConfigTemplate = `db_host = "{{ .DbHost }}"
db_port = {{ .DbPort }}
db_username = "{{ .DbUsername }}"
db_password = "{{ .DbPassword }}"
db_schema = "{{ .DbSchema }}"

redis_host = "{{ .RedisHost }}"
redis_port = {{ .RedisPort }}

server_port = {{ .ServerPort }}

[solana]
rpc = "{{ .Solana.Rpc }}"
ws = "{{ .Solana.Ws }}"
vault_program_id = "{{ .Solana.VaultProgramId }}"
chain_signatures_program_id = "{{ .Solana.ChainSignaturesProgramId }}"

[chains]{{ range $k, $v := .Chains }}
	[chains.{{ $k }}]
	chain = "{{ $k }}"
	block_time = {{ $v.BlockTime }}
	rpcs = [{{ range $v.Rpcs }}"{{ . }}", {{ end }}]
{{ end }}
`
