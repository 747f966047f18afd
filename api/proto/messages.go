// Package proto defines the wire contract of the deltadb.MainWorker RPC
// service: hand-written message structs carrying JSON struct tags instead of
// generated protobuf code. []byte fields marshal to base64 strings and empty
// fields are omitted, which is the on-wire contract shared with non-Go
// clients.
package proto

// SubscribeRequest is sent by a Processing Worker to register with the Main
// Worker and receive the wrapped master key.
type SubscribeRequest struct {
	// WorkerId uniquely identifies the subscribing Processing Worker.
	WorkerId string `json:"worker_id,omitempty"`
	// Pubkey is the worker's PEM-encoded RSA public key.
	Pubkey []byte `json:"pubkey,omitempty"`
	// Tags carries optional worker metadata; "grpc_addr" tells the Main
	// Worker where to forward Process calls.
	Tags map[string]string `json:"tags,omitempty"`
}

func (r *SubscribeRequest) GetWorkerId() string {
	if r == nil {
		return ""
	}
	return r.WorkerId
}

func (r *SubscribeRequest) GetPubkey() []byte {
	if r == nil {
		return nil
	}
	return r.Pubkey
}

func (r *SubscribeRequest) GetTags() map[string]string {
	if r == nil {
		return nil
	}
	return r.Tags
}

// SubscribeResponse carries the session token and the master key encrypted
// to the worker's public key.
type SubscribeResponse struct {
	Token      string `json:"token,omitempty"`
	WrappedKey []byte `json:"wrapped_key,omitempty"`
	KeyId      string `json:"key_id,omitempty"`
}

func (r *SubscribeResponse) GetToken() string {
	if r == nil {
		return ""
	}
	return r.Token
}

func (r *SubscribeResponse) GetWrappedKey() []byte {
	if r == nil {
		return nil
	}
	return r.WrappedKey
}

func (r *SubscribeResponse) GetKeyId() string {
	if r == nil {
		return ""
	}
	return r.KeyId
}

// ProcessRequest asks a worker to perform a GET or PUT on one entity.
type ProcessRequest struct {
	DatabaseName string `json:"database_name,omitempty"`
	EntityKey    string `json:"entity_key,omitempty"`
	SchemaId     string `json:"schema_id,omitempty"`
	// Operation is "GET" or "PUT"; anything else is rejected.
	Operation string `json:"operation,omitempty"`
	// Payload is the plaintext JSON document (PUT only).
	Payload []byte `json:"payload,omitempty"`
	// Token authenticates the caller (worker token, API key, or session).
	Token string `json:"token,omitempty"`
}

func (r *ProcessRequest) GetDatabaseName() string {
	if r == nil {
		return ""
	}
	return r.DatabaseName
}

func (r *ProcessRequest) GetEntityKey() string {
	if r == nil {
		return ""
	}
	return r.EntityKey
}

func (r *ProcessRequest) GetSchemaId() string {
	if r == nil {
		return ""
	}
	return r.SchemaId
}

func (r *ProcessRequest) GetOperation() string {
	if r == nil {
		return ""
	}
	return r.Operation
}

func (r *ProcessRequest) GetPayload() []byte {
	if r == nil {
		return nil
	}
	return r.Payload
}

func (r *ProcessRequest) GetToken() string {
	if r == nil {
		return ""
	}
	return r.Token
}

// ProcessResponse is the result of a Process call.
type ProcessResponse struct {
	// Status is "OK" on success.
	Status string `json:"status,omitempty"`
	// Result is the plaintext JSON document (GET only).
	Result []byte `json:"result,omitempty"`
	// Version is the decimal entity version after the operation.
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r *ProcessResponse) GetStatus() string {
	if r == nil {
		return ""
	}
	return r.Status
}

func (r *ProcessResponse) GetResult() []byte {
	if r == nil {
		return nil
	}
	return r.Result
}

func (r *ProcessResponse) GetVersion() string {
	if r == nil {
		return ""
	}
	return r.Version
}

func (r *ProcessResponse) GetError() string {
	if r == nil {
		return ""
	}
	return r.Error
}
