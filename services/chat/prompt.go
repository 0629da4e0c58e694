package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword берёт пароль из HAYS_PASSWORD или спрашивает без эха.
func readPassword() (string, error) {
	if p := os.Getenv("HAYS_PASSWORD"); p != "" {
		return p, nil
	}
	fmt.Print("password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		// не терминал (pipe): читаем строку как есть
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Println()
	return strings.TrimSpace(string(b)), nil
}
