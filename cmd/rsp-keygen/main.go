// rsp-keygen generates an SSH key pair in OpenSSH format for use with rsp.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var keyTypes = []string{
	"ssh-ed25519",
	"ssh-rsa",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
}

func main() {
	var (
		file    string
		keyType string
		bits    int
	)
	flag.StringVar(&file, "f", "proxy_key", "output file name")
	flag.StringVar(&keyType, "t", keyTypes[0], fmt.Sprintf("key type (%v)", keyTypes))
	flag.IntVar(&bits, "b", 2048, "RSA key size in bits (2048-8192, ssh-rsa only)")
	flag.Parse()

	if keyType == "ssh-rsa" && (bits < 2048 || bits > 8192) {
		fmt.Fprintf(os.Stderr, "%d is not a valid RSA key size\n", bits)
		os.Exit(1)
	}

	signer, pub, err := generateKey(keyType, bits)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := writePrivate(file, signer); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Your identification has been saved in %s.\n", file)

	pubFile := file + ".pub"
	if err := os.WriteFile(pubFile, ssh.MarshalAuthorizedKey(pub), 0644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Your public key has been saved in %s.\n", pubFile)
}

func generateKey(keyType string, bits int) (crypto interface{}, pub ssh.PublicKey, err error) {
	switch keyType {
	case "ssh-ed25519":
		pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		sshPub, err := ssh.NewPublicKey(pubKey)
		if err != nil {
			return nil, nil, err
		}
		return privKey, sshPub, nil
	case "ssh-rsa":
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, err
		}
		sshPub, err := ssh.NewPublicKey(&key.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		return key, sshPub, nil
	case "ecdsa-sha2-nistp256":
		return generateECDSA(elliptic.P256())
	case "ecdsa-sha2-nistp384":
		return generateECDSA(elliptic.P384())
	case "ecdsa-sha2-nistp521":
		return generateECDSA(elliptic.P521())
	default:
		return nil, nil, fmt.Errorf("unsupported key type %q (choose from %v)", keyType, keyTypes)
	}
}

func generateECDSA(curve elliptic.Curve) (interface{}, ssh.PublicKey, error) {
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return key, sshPub, nil
}

func writePrivate(path string, key interface{}) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("file %q already exists", path)
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}
