package tunnel

import (
	"github.com/postalsys/muti-metroo/internal/aead"
	"github.com/postalsys/muti-metroo/internal/kdf"
)

// sessionCiphers derives the pair of ciphers used to protect one tunneled
// connection's content stream from masterKey and the connect header's
// random 32-byte salt. The client cipher's nonce starts at salt's first
// NonceSize bytes; the server cipher's nonce starts at salt's last
// NonceSize bytes — distinct windows of the same salt, so client and server
// never share a starting nonce even though they share a salt.
//
// client seals the client->server direction, server seals server->client:
// whichever side is reading a given wire direction must frame it with the
// cipher named for the side that wrote it.
func sessionCiphers(kdfKind kdf.Kind, cipherKind aead.Kind, masterKey, salt []byte) (client, server *aead.Cipher, err error) {
	clientKey := kdf.DeriveClientKey(kdfKind, masterKey, salt)
	serverKey := kdf.DeriveServerKey(kdfKind, masterKey, salt)

	client, err = aead.NewWithNonce(cipherKind, clientKey, salt[:aead.NonceSize])
	if err != nil {
		return nil, nil, err
	}
	server, err = aead.NewWithNonce(cipherKind, serverKey, salt[len(salt)-aead.NonceSize:])
	if err != nil {
		return nil, nil, err
	}
	return client, server, nil
}
