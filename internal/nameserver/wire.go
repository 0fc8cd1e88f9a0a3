package nameserver

// Request kinds understood by the name server. Each TCP connection carries
// exactly one JSON-encoded request and receives one JSON-encoded response.
const (
	ReqUpdateServer     = "update_server"
	ReqAddrRequest      = "addr_request"
	ReqGetRandomServer  = "get_random_server"
	ReqSetCurrentServer = "set_current_server"
	ReqGetReplicaAddr   = "get_replica_addr"
)

// Response names mirror the request that produced them.
const (
	respUpdateServer     = "update_server_response"
	respAddr             = "addr_response"
	respRandomServer     = "random_server_response"
	respSetCurrentServer = "set_current_server_response"
	respGetReplicaAddr   = "get_replica_addr_response"
	respEmpty            = "empty"
)

// Request is the single frame a caller sends. Which fields are meaningful
// depends on Name:
//
//	update_server:      URI, Addr (the registering server's address)
//	addr_request:       URI (caller IP taken from the socket)
//	get_random_server:  URI
//	set_current_server: URI, Addr (new), SelfAddr (old, to be replaced)
//	get_replica_addr:   URI, MyAddr (the asking server's own address)
type Request struct {
	Name     string `json:"name"`
	URI      string `json:"uri,omitempty"`
	Addr     string `json:"addr,omitempty"`
	SelfAddr string `json:"self_addr,omitempty"`
	MyAddr   string `json:"my_addr,omitempty"`
}

// Response is the single frame the name server answers with.
type Response struct {
	Name         string `json:"name"`
	Addr         string `json:"addr,omitempty"`
	ActiveServer bool   `json:"active_server,omitempty"`
	ReqURI       string `json:"req_uri,omitempty"`
	Status       int    `json:"status,omitempty"`
}
