package main

import "github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/cmd"

func main() {
	cmd.Execute()
}
