package api

// transactionSchema is the body of POST /clientes/{id}/transacoes.
const transactionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["valor", "tipo", "descricao"],
  "properties": {
    "valor": {"type": "integer", "minimum": 1},
    "tipo": {"type": "string", "enum": ["c", "d"]},
    "descricao": {"type": "string", "minLength": 1, "maxLength": 10}
  }
}`
